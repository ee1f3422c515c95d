package listener

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gelgate/gelgate/internal/auth"
	"github.com/gelgate/gelgate/internal/pgproto"
	"github.com/gelgate/gelgate/internal/wire"
)

// pgConn holds the mutable per-connection state for one PostgreSQL v3
// handshake: the state machine itself, the current (possibly
// TLS-upgraded) net.Conn, a coalesced outbound byte queue, and the fields
// collected along the way that become the frozen auth.Identity at Ready.
type pgConn struct {
	driver *Driver
	conn   net.Conn
	ctx    context.Context

	state  *pgproto.ServerState
	framer *wire.StructBuffer
	outbox []byte

	awaitingInitial bool

	user, database string
	mechanism      string

	ready  bool
	failed error
}

func (d *Driver) runPostgres(ctx context.Context, conn net.Conn) error {
	c := &pgConn{
		driver:          d,
		conn:            conn,
		ctx:             ctx,
		state:           pgproto.NewServerState(d.sslReq),
		framer:          wire.NewStructBuffer(false),
		awaitingInitial: true,
	}
	buf := make([]byte, d.readBufSize)
	start := time.Now()
	if d.metrics != nil {
		d.metrics.HandshakeStarted("postgresql")
	}
	defer c.recordHandshakeEnd(start)

	for !c.ready && c.failed == nil {
		n, rerr := c.conn.Read(buf)
		if n > 0 {
			if ferr := c.framer.Feed(buf[:n], c.driveFrame); ferr != nil {
				c.flush()
				drain(c.conn)
				return ferr
			}
			if err := c.flush(); err != nil {
				return err
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}

	if c.failed != nil {
		drain(c.conn)
		return c.failed
	}

	identity, err := auth.NewIdentityBuilder().SetUser(c.user).SetPGDatabase(c.database).Build()
	if err != nil {
		return err
	}
	return d.embedder.AcceptStream(ctx, identity, LanguagePG, c.conn)
}

func (c *pgConn) driveFrame(frame []byte) error {
	if c.awaitingInitial {
		return c.drive(pgproto.Initial(frame))
	}
	return c.drive(pgproto.Message(frame))
}

func (c *pgConn) drive(d pgproto.ServerDrive) error {
	return c.state.Drive(d, c.handleEvent)
}

func (c *pgConn) flush() error {
	if len(c.outbox) == 0 {
		return nil
	}
	_, err := c.conn.Write(c.outbox)
	c.outbox = c.outbox[:0]
	return err
}

// recordHandshakeEnd reports the terminal outcome of this connection's
// handshake, if a Collector was configured. Called once via defer so every
// return path out of runPostgres is accounted for exactly once.
func (c *pgConn) recordHandshakeEnd(start time.Time) {
	if c.driver.metrics == nil {
		return
	}
	const protocol = "postgresql"
	switch {
	case c.ready:
		c.driver.metrics.HandshakeEnded(protocol, "ready", time.Since(start))
		if c.mechanism != "" {
			c.driver.metrics.AuthSucceeded(protocol, c.mechanism)
		}
	case c.failed != nil:
		var pe *pgproto.ProtocolError
		if errors.As(c.failed, &pe) && pe.Code == pgproto.SQLStateInvalidPassword {
			c.driver.metrics.HandshakeEnded(protocol, "denied", time.Since(start))
			if c.mechanism != "" {
				c.driver.metrics.AuthFailed(protocol, c.mechanism)
			}
		} else {
			c.driver.metrics.HandshakeEnded(protocol, "error", time.Since(start))
			c.driver.metrics.HandshakeError(protocol, "protocol_error")
		}
	default:
		c.driver.metrics.HandshakeEnded(protocol, "error", time.Since(start))
		c.driver.metrics.HandshakeError(protocol, "io_error")
	}
}

func (c *pgConn) handleEvent(e pgproto.ServerEvent) error {
	switch e.Kind {
	case pgproto.EventSend:
		c.outbox = append(c.outbox, e.Bytes...)

	case pgproto.EventSendSSL:
		c.outbox = append(c.outbox, e.SSLByte)

	case pgproto.EventUpgrade:
		if err := c.flush(); err != nil {
			return err
		}
		if c.driver.upgrader == nil {
			return errors.New("listener: SSL accepted but no TLSUpgrader configured")
		}
		upgraded, err := c.driver.upgrader(c.conn)
		if err != nil {
			return err
		}
		c.conn = upgraded

	case pgproto.EventAuth:
		c.user, c.database = e.User, e.Database
		target := AuthTarget{Language: LanguagePG, TLS: isTLSConn(c.conn)}
		identity := auth.PartialIdentity{User: e.User, DB: auth.PGDBOf(e.Database)}
		authType, cred := c.driver.resolveAuth(c.ctx, identity, target)
		c.mechanism = authType.String()
		return c.drive(pgproto.AuthInfo(authType, cred))

	case pgproto.EventParams:
		pid, key := newBackendKey()
		return c.drive(pgproto.Ready(pid, key))

	case pgproto.EventStateChanged:
		switch e.State {
		case "AwaitingAuthInfo":
			c.awaitingInitial = false
			c.framer.SetTyped(true)
		case "Ready":
			c.ready = true
		}

	case pgproto.EventServerError:
		c.failed = e.Err
	}
	return nil
}

// newBackendKey generates the (pid, secret key) pair sent in
// BackendKeyData. This core never executes queries and so never honors a
// CancelRequest against it; the pair exists only to complete the wire
// handshake a PG client expects.
func newBackendKey() (pid, key int32) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, 0
	}
	pid = int32(binary.BigEndian.Uint32(b[:4]) & 0x7fffffff)
	key = int32(binary.BigEndian.Uint32(b[4:]))
	return pid, key
}
