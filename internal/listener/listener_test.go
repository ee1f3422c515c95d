package listener

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gelgate/gelgate/internal/auth"
	"github.com/gelgate/gelgate/internal/gelproto"
	"github.com/gelgate/gelgate/internal/metrics"
	"github.com/gelgate/gelgate/internal/pgproto"
	"github.com/gelgate/gelgate/internal/wire"
)

// fakeEmbedder is a minimal in-memory Embedder: a fixed map of username to
// credential, and a channel the test blocks on to observe AcceptStream.
type fakeEmbedder struct {
	creds    map[string]auth.CredentialData
	accepted chan acceptedConn
}

type acceptedConn struct {
	identity auth.Identity
	lang     Language
	stream   net.Conn
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{creds: map[string]auth.CredentialData{}, accepted: make(chan acceptedConn, 1)}
}

func (f *fakeEmbedder) LookupAuth(ctx context.Context, identity auth.PartialIdentity, target AuthTarget) (auth.CredentialData, error) {
	if cred, ok := f.creds[identity.User]; ok {
		return cred, nil
	}
	return auth.DenyCredential{}, nil
}

func (f *fakeEmbedder) AcceptStream(ctx context.Context, identity auth.Identity, lang Language, stream net.Conn) error {
	f.accepted <- acceptedConn{identity: identity, lang: lang, stream: stream}
	return nil
}

func TestPostgresTrustHandshakeEndToEnd(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	embedder := newFakeEmbedder()
	embedder.creds["nora"] = auth.TrustCredential{}
	driver := NewPostgresDriver(embedder, auth.Disable, nil)

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- driver.Run(context.Background(), serverConn) }()

	clientErrCh := runPGClient(clientConn, auth.Credentials{Username: "nora", Database: "d"}, auth.Disable)

	select {
	case err := <-clientErrCh:
		if err != nil {
			t.Fatalf("client handshake failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client handshake")
	}

	select {
	case got := <-embedder.accepted:
		if got.identity.User != "nora" {
			t.Fatalf("expected user nora, got %q", got.identity.User)
		}
		if !got.identity.DB.IsPGDB() || got.identity.DB.Name() != "d" {
			t.Fatalf("expected PGDB(d), got %v", got.identity.DB)
		}
		if got.lang != LanguagePG {
			t.Fatalf("expected LanguagePG, got %v", got.lang)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AcceptStream")
	}

	if err := <-serverErrCh; err != nil {
		t.Fatalf("driver.Run returned error: %v", err)
	}
}

func TestPostgresDenyHandshakeEndToEnd(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	embedder := newFakeEmbedder() // "nora" absent -> Deny
	driver := NewPostgresDriver(embedder, auth.Disable, nil)

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- driver.Run(context.Background(), serverConn) }()

	clientErrCh := runPGClient(clientConn, auth.Credentials{Username: "nora", Database: "d"}, auth.Disable)

	select {
	case err := <-clientErrCh:
		if err == nil {
			t.Fatal("expected client to observe an authentication error")
		}
		var pe *pgproto.ProtocolError
		if !errors.As(err, &pe) || pe.Code != "28P01" {
			t.Fatalf("expected invalid password error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client handshake")
	}

	<-serverErrCh
}

// runPGClient drives pgproto.ClientState over conn to completion (or
// failure), returning a channel that receives the terminal error (nil on
// success).
func runPGClient(conn net.Conn, creds auth.Credentials, sslReq auth.SslRequirement) <-chan error {
	done := make(chan error, 1)
	go func() {
		client := pgproto.NewClientState(creds, sslReq)
		var terminal error
		var finished bool

		sink := func(e pgproto.ClientEvent) error {
			switch e.Kind {
			case pgproto.ClientEventSend:
				_, err := conn.Write(e.Bytes)
				return err
			case pgproto.ClientEventReady:
				finished = true
			case pgproto.ClientEventError:
				terminal = e.Err
				finished = true
			}
			return nil
		}

		if err := client.Start(sink); err != nil {
			done <- err
			return
		}

		framer := wire.NewStructBuffer(sslReq == auth.Disable)
		buf := make([]byte, 4096)
		for !finished {
			n, rerr := conn.Read(buf)
			if n > 0 {
				if ferr := framer.Feed(buf[:n], func(frame []byte) error { return client.Drive(frame, sink) }); ferr != nil {
					done <- ferr
					return
				}
			}
			if finished {
				break
			}
			if rerr != nil {
				done <- rerr
				return
			}
		}
		done <- terminal
	}()
	return done
}

func TestGelTrustHandshakeEndToEnd(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	embedder := newFakeEmbedder()
	embedder.creds["pia"] = auth.TrustCredential{}
	driver := NewGelDriver(embedder, nil)

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- driver.Run(context.Background(), serverConn) }()

	clientErrCh := runGelTrustClient(clientConn, "pia", "db")

	select {
	case err := <-clientErrCh:
		if err != nil {
			t.Fatalf("gel client handshake failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gel client handshake")
	}

	select {
	case got := <-embedder.accepted:
		if got.identity.User != "pia" {
			t.Fatalf("expected user pia, got %q", got.identity.User)
		}
		if got.lang != LanguageGel {
			t.Fatalf("expected LanguageGel, got %v", got.lang)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AcceptStream")
	}

	if err := <-serverErrCh; err != nil {
		t.Fatalf("driver.Run returned error: %v", err)
	}
}

// runGelTrustClient hand-rolls the client side of a Trust-authenticated Gel
// handshake: no ClientState exists for Gel, so the test speaks just enough
// of the protocol to drive one.
func runGelTrustClient(conn net.Conn, user, database string) <-chan error {
	done := make(chan error, 1)
	go func() {
		hs := gelproto.BuildClientHandshake(gelproto.ClientHandshake{
			MajorVer:   gelproto.ProtocolMajor,
			MinorVer:   gelproto.ProtocolMinor,
			Params:     map[string]string{"user": user, "database": database},
			Extensions: map[string]string{},
		})
		if _, err := conn.Write(hs); err != nil {
			done <- err
			return
		}

		framer := wire.NewStructBuffer(true)
		buf := make([]byte, 4096)
		ready := false
		var terminal error

		for !ready && terminal == nil {
			n, rerr := conn.Read(buf)
			if n > 0 {
				ferr := framer.Feed(buf[:n], func(frame []byte) error {
					tag, err := gelproto.PeekTag(frame)
					if err != nil {
						return err
					}
					switch tag {
					case 'R':
						subtype, _, err := gelproto.DecodeAuthenticationMessage(frame)
						if err != nil {
							return err
						}
						if subtype != gelproto.AuthOK {
							return errStr("unexpected gel auth subtype for Trust")
						}
					case 'Z':
						ready = true
					case 'E':
						e, err := gelproto.DecodeErrorResponse(frame)
						if err != nil {
							return err
						}
						terminal = &gelproto.ProtocolError{Code: e.Code, Message: e.Message}
					}
					return nil
				})
				if ferr != nil {
					done <- ferr
					return
				}
			}
			if ready || terminal != nil {
				break
			}
			if rerr != nil {
				done <- rerr
				return
			}
		}
		done <- terminal
	}()
	return done
}

type errStr string

func (e errStr) Error() string { return string(e) }

// TestPostgresHandshakeRecordsMetrics verifies that a WithMetrics-configured
// Driver reports an auth attempt and an auth success for a
// Trust-authenticated connection.
func TestPostgresHandshakeRecordsMetrics(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	embedder := newFakeEmbedder()
	embedder.creds["nora"] = auth.TrustCredential{}
	collector := metrics.New()
	driver := NewPostgresDriver(embedder, auth.Disable, nil, WithMetrics(collector))

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- driver.Run(context.Background(), serverConn) }()

	clientErrCh := runPGClient(clientConn, auth.Credentials{Username: "nora", Database: "d"}, auth.Disable)

	select {
	case err := <-clientErrCh:
		if err != nil {
			t.Fatalf("client handshake failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client handshake")
	}
	<-serverErrCh

	families, err := collector.Registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}

	counts := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			counts[f.GetName()] += m.GetCounter().GetValue()
		}
	}

	if counts["gelgate_auth_attempts_total"] != 1 {
		t.Errorf("expected 1 auth attempt recorded, got %v", counts["gelgate_auth_attempts_total"])
	}
	if counts["gelgate_auth_successes_total"] != 1 {
		t.Errorf("expected 1 auth success recorded, got %v", counts["gelgate_auth_successes_total"])
	}
}
