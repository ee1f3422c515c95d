package listener

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"time"

	"github.com/gelgate/gelgate/internal/auth"
	"github.com/gelgate/gelgate/internal/gelproto"
	"github.com/gelgate/gelgate/internal/wire"
)

// gelConn is pgConn's analogue for the Gel v3 binary protocol. Gel has no
// untyped first frame — ClientHandshake is tagged like every other
// message — so, unlike pgConn, the framer here is typed from the start and
// there is no Initial/Message split.
type gelConn struct {
	driver *Driver
	conn   net.Conn
	ctx    context.Context

	state  *gelproto.ServerState
	outbox []byte

	user, database, branch string
	mechanism              string

	ready  bool
	closed bool // version negotiation ended the connection without Ready
	failed error
}

func (d *Driver) runGel(ctx context.Context, conn net.Conn) error {
	c := &gelConn{
		driver: d,
		conn:   conn,
		ctx:    ctx,
		state:  gelproto.NewServerState(),
	}
	framer := wire.NewStructBuffer(true)
	buf := make([]byte, d.readBufSize)
	start := time.Now()
	if d.metrics != nil {
		d.metrics.HandshakeStarted("gel")
	}
	defer c.recordHandshakeEnd(start)

	for !c.ready && !c.closed && c.failed == nil {
		n, rerr := c.conn.Read(buf)
		if n > 0 {
			if ferr := framer.Feed(buf[:n], func(frame []byte) error {
				return c.drive(gelproto.Message(frame))
			}); ferr != nil {
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

	if c.closed {
		drain(c.conn)
		return errors.New("listener: gel client/server protocol version mismatch")
	}
	if c.failed != nil {
		drain(c.conn)
		return c.failed
	}

	b := auth.NewIdentityBuilder().SetUser(c.user)
	if c.branch != "" {
		b = b.SetBranch(c.branch)
	} else {
		b = b.SetDatabase(c.database)
	}
	identity, err := b.Build()
	if err != nil {
		return err
	}
	return d.embedder.AcceptStream(ctx, identity, LanguageGel, c.conn)
}

func (c *gelConn) drive(d gelproto.ServerDrive) error {
	return c.state.Drive(d, c.handleEvent)
}

func (c *gelConn) flush() error {
	if len(c.outbox) == 0 {
		return nil
	}
	_, err := c.conn.Write(c.outbox)
	c.outbox = c.outbox[:0]
	return err
}

// recordHandshakeEnd reports the terminal outcome of this connection's
// handshake, if a Collector was configured. Called once via defer so every
// return path out of runGel is accounted for exactly once.
func (c *gelConn) recordHandshakeEnd(start time.Time) {
	if c.driver.metrics == nil {
		return
	}
	const protocol = "gel"
	switch {
	case c.ready:
		c.driver.metrics.HandshakeEnded(protocol, "ready", time.Since(start))
		if c.mechanism != "" {
			c.driver.metrics.AuthSucceeded(protocol, c.mechanism)
		}
	case c.failed != nil:
		var pe *gelproto.ProtocolError
		if errors.As(c.failed, &pe) && pe.Code == gelproto.AuthenticationError {
			c.driver.metrics.HandshakeEnded(protocol, "denied", time.Since(start))
			if c.mechanism != "" {
				c.driver.metrics.AuthFailed(protocol, c.mechanism)
			}
		} else {
			c.driver.metrics.HandshakeEnded(protocol, "error", time.Since(start))
			c.driver.metrics.HandshakeError(protocol, "protocol_error")
		}
	case c.closed:
		c.driver.metrics.HandshakeEnded(protocol, "error", time.Since(start))
		c.driver.metrics.HandshakeError(protocol, "version_mismatch")
	default:
		c.driver.metrics.HandshakeEnded(protocol, "error", time.Since(start))
		c.driver.metrics.HandshakeError(protocol, "io_error")
	}
}

func (c *gelConn) handleEvent(e gelproto.ServerEvent) error {
	switch e.Kind {
	case gelproto.EventSend:
		c.outbox = append(c.outbox, e.Bytes...)

	case gelproto.EventAuth:
		c.user, c.database, c.branch = e.User, e.Database, e.Branch
		target := AuthTarget{Language: LanguageGel, TLS: isTLSConn(c.conn)}
		db := auth.DBOf(e.Database)
		if e.Branch != "" {
			db = auth.BranchOf(e.Branch)
		}
		identity := auth.PartialIdentity{User: e.User, DB: db}
		authType, cred := c.driver.resolveAuth(c.ctx, identity, target)
		c.mechanism = authType.String()
		return c.drive(gelproto.AuthInfo(authType, cred))

	case gelproto.EventParams:
		return c.drive(gelproto.Ready(gelproto.TxNotInTransaction))

	case gelproto.EventStateChanged:
		switch e.State {
		case "Ready":
			c.ready = true
		case "Closed":
			c.closed = true
		}

	case gelproto.EventServerError:
		c.failed = e.Err

	case gelproto.EventWarning:
		log.Printf("gel %s: %s", c.conn.RemoteAddr(), e.Message)
	}
	return nil
}
