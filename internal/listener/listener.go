// Package listener binds the sans-I/O pgproto/gelproto state machines to a
// real net.Conn: it owns the read loop, the coalesced write, the TLS
// upgrade, and handing the authenticated connection off to an embedder. It
// generalizes a fixed tenant-routing proxy's acceptLoop/handleConnection
// split into a protocol-agnostic driver that never reads a query or
// forwards a byte once Ready: the embedder takes it from there.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/gelgate/gelgate/internal/auth"
	"github.com/gelgate/gelgate/internal/metrics"
)

// isTLSConn reports whether conn is the product of a completed TLS server
// handshake, used to populate AuthTarget.TLS for the embedder's lookup.
func isTLSConn(conn net.Conn) bool {
	_, ok := conn.(*tls.Conn)
	return ok
}

// Language identifies which wire protocol a connection is speaking, passed
// to Embedder.AcceptStream so a single embedder can multiplex both.
type Language int

const (
	LanguagePG Language = iota
	LanguageGel
)

func (l Language) String() string {
	switch l {
	case LanguagePG:
		return "postgresql"
	case LanguageGel:
		return "gel"
	default:
		return fmt.Sprintf("Language(%d)", int(l))
	}
}

// AuthTarget describes the context a credential lookup is being made in:
// which protocol the connection is speaking and whether it has already
// upgraded to TLS. An embedder may use this to, say, refuse Plain auth
// over a connection that never upgraded.
type AuthTarget struct {
	Language Language
	TLS      bool
}

// TLSUpgrader performs a TLS server handshake on conn and returns the
// wrapped connection. It is opaque to this package on purpose: the driver
// never constructs a tls.Config or loads a certificate itself; that's the
// concrete I/O substrate's job, scoped to the embedder.
type TLSUpgrader func(conn net.Conn) (net.Conn, error)

// Embedder is the capability set the driver consumes. LookupAuth must be
// infallible for a well-formed identity — an unknown user should come back
// as auth.DenyCredential{}, not an error, so that timing doesn't
// distinguish the two; the driver
// treats a genuine error the same as Deny, logging it but never
// surfacing its detail to the wire. AcceptStream is invoked exactly once,
// when the connection reaches Ready, and takes ownership of stream: the
// driver performs no further reads or writes on it afterward.
type Embedder interface {
	LookupAuth(ctx context.Context, identity auth.PartialIdentity, target AuthTarget) (auth.CredentialData, error)
	AcceptStream(ctx context.Context, identity auth.Identity, lang Language, stream net.Conn) error
}

// Driver runs one protocol's server-side handshake to completion over a
// single net.Conn. A Driver is stateless and safe to reuse across many
// connections; all per-connection mutable state lives in the pgConn/gelConn
// value constructed inside Run.
type Driver struct {
	embedder Embedder
	upgrader TLSUpgrader

	lang   Language
	sslReq auth.SslRequirement // PG only; Gel has no inline SSL negotiation

	authTimeout time.Duration
	readBufSize int
	metrics     *metrics.Collector
}

// Option configures a Driver at construction time.
type Option func(*Driver)

// WithAuthTimeout bounds how long LookupAuth may take before the driver
// gives up and fails the connection with an authentication error. Zero
// (the default) means no timeout is applied beyond the caller's own ctx.
func WithAuthTimeout(d time.Duration) Option {
	return func(drv *Driver) { drv.authTimeout = d }
}

// WithReadBufferSize overrides the per-Read buffer size. Defaults to 32KiB.
func WithReadBufferSize(n int) Option {
	return func(drv *Driver) {
		if n > 0 {
			drv.readBufSize = n
		}
	}
}

// WithMetrics attaches a Collector that Run reports handshake and
// authentication outcomes to. Without this option, metrics calls are
// simply skipped.
func WithMetrics(m *metrics.Collector) Option {
	return func(drv *Driver) { drv.metrics = m }
}

// NewPostgresDriver creates a Driver that speaks PostgreSQL v3 on every
// connection it runs. upgrader may be nil if sslReq is auth.Disable.
func NewPostgresDriver(e Embedder, sslReq auth.SslRequirement, upgrader TLSUpgrader, opts ...Option) *Driver {
	d := &Driver{embedder: e, upgrader: upgrader, lang: LanguagePG, sslReq: sslReq, readBufSize: 32 * 1024}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewGelDriver creates a Driver that speaks the Gel v3 binary protocol on
// every connection it runs. upgrader may be nil; Gel's handshake has no
// inline SSL negotiation message in this core's scope (TLS, if any, is
// expected to already be terminated by the embedder's listener before Run
// is called).
func NewGelDriver(e Embedder, upgrader TLSUpgrader, opts ...Option) *Driver {
	d := &Driver{embedder: e, upgrader: upgrader, lang: LanguageGel, readBufSize: 32 * 1024}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives one connection to completion: it reads and frames bytes from
// conn, feeds them to the protocol state machine, resolves authentication
// through the embedder, and on success hands the connection off to
// Embedder.AcceptStream. It returns once the connection is no longer this
// driver's concern — handed off, cleanly closed by the peer, or failed.
// Run never closes conn itself; the caller (typically the accept loop that
// called Run in its own goroutine) owns that decision, via the usual
// handleConnection/defer Close pattern.
func (d *Driver) Run(ctx context.Context, conn net.Conn) error {
	switch d.lang {
	case LanguagePG:
		return d.runPostgres(ctx, conn)
	case LanguageGel:
		return d.runGel(ctx, conn)
	default:
		return fmt.Errorf("listener: unknown language %v", d.lang)
	}
}

// resolveAuth calls the embedder's credential lookup under an optional
// deadline and maps any error to a timing-safe Deny.
// The AuthType presented on the wire is whatever the returned credential
// declares itself to be (auth.CredentialData.AuthType()) — the more
// general decoupling of "server policy" from "stored credential shape"
// that the cross-compatibility matrix exercises stays available at the
// pgproto/gelproto layer for embedders that drive those state machines
// directly, but this generic listener wires the common case where an
// embedder's credential store already encodes the intended policy per user.
func (d *Driver) resolveAuth(ctx context.Context, identity auth.PartialIdentity, target AuthTarget) (auth.AuthType, auth.CredentialData) {
	lookupCtx := ctx
	if d.authTimeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, d.authTimeout)
		defer cancel()
	}

	protocol := target.Language.String()
	start := time.Now()
	cred, err := d.embedder.LookupAuth(lookupCtx, identity, target)
	if d.metrics != nil {
		d.metrics.LookupDuration(protocol, time.Since(start))
	}

	if err != nil || cred == nil || lookupCtx.Err() != nil {
		if err != nil {
			log.Printf("[driver] credential lookup for user %q failed: %v", identity.User, err)
		}
		if d.metrics != nil {
			d.metrics.AuthAttempt(protocol, auth.Deny.String())
		}
		return auth.Deny, auth.DenyCredential{}
	}

	authType := cred.AuthType()
	if d.metrics != nil {
		d.metrics.AuthAttempt(protocol, authType.String())
	}
	// Success or failure is recorded once the state machine reaches Ready
	// or reports an error, not here at lookup time — every AuthType,
	// Deny included, still has to complete its wire exchange.
	return authType, cred
}
