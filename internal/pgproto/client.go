package pgproto

import (
	"fmt"

	"github.com/gelgate/gelgate/internal/auth"
	"github.com/gelgate/gelgate/internal/auth/md5auth"
	"github.com/gelgate/gelgate/internal/auth/scram"
)

// ClientState drives the client side of a PostgreSQL v3 connection: SSL
// negotiation, StartupMessage, and whichever authentication exchange the
// server demands. It is the dual of ServerState and owns no I/O either —
// used by internal/listener's test harness to exercise a full handshake
// over net.Pipe, and available to any embedder that needs to dial out as a
// PG client (e.g. a health check), never to pool or execute queries.
type ClientState struct {
	creds  auth.Credentials
	sslReq auth.SslRequirement

	stage clientStage

	scramConv *scram.ClientConversation
}

type clientStage int

const (
	clientStart clientStage = iota
	clientAwaitingSSLResponse
	clientAwaitingAuth
	clientAuthenticatingSCRAM
	clientAwaitingReady
	clientReady
	clientError
)

// ClientEventKind selects which field of a ClientEvent is populated.
type ClientEventKind int

const (
	ClientEventSend ClientEventKind = iota
	ClientEventUpgrade
	ClientEventAuthenticated
	ClientEventParameter
	ClientEventBackendKey
	ClientEventReady
	ClientEventError
)

type ClientEvent struct {
	Kind ClientEventKind

	Bytes []byte // Send

	Name, Value string // Parameter

	PID, Key int32 // BackendKey

	Err error // Error
}

type ClientEventFunc func(ClientEvent) error

// NewClientState creates a client state machine that will authenticate with
// creds under the given SSL policy.
func NewClientState(creds auth.Credentials, sslReq auth.SslRequirement) *ClientState {
	return &ClientState{creds: creds, sslReq: sslReq, stage: clientStart}
}

// Start emits the connection's first outbound message: an SSLRequest if
// sslReq requests one, otherwise the StartupMessage directly.
func (c *ClientState) Start(sink ClientEventFunc) error {
	if c.stage != clientStart {
		return invalidState(c.stageName(), "Start")
	}
	if c.sslReq == auth.Disable {
		c.stage = clientAwaitingAuth
		return sink(ClientEvent{Kind: ClientEventSend, Bytes: c.startupMessage()})
	}
	c.stage = clientAwaitingSSLResponse
	return sink(ClientEvent{Kind: ClientEventSend, Bytes: BuildSSLRequest()})
}

func (c *ClientState) startupMessage() []byte {
	params := map[string]string{"user": c.creds.Username}
	if c.creds.Database != "" {
		params["database"] = c.creds.Database
	}
	for k, v := range c.creds.ServerSettings {
		params[k] = v
	}
	return BuildStartupMessage(params)
}

// DriveSSLByte handles the server's single-byte SSL negotiation response.
func (c *ClientState) DriveSSLByte(b byte, sink ClientEventFunc) error {
	if c.stage != clientAwaitingSSLResponse {
		return invalidState(c.stageName(), "SSLByte")
	}
	switch b {
	case 'S':
		return sink(ClientEvent{Kind: ClientEventUpgrade})
	case 'N':
		if c.sslReq == auth.Required {
			c.stage = clientError
			return sink(ClientEvent{Kind: ClientEventError, Err: fmt.Errorf("pgproto: server rejected required SSL upgrade")})
		}
		c.stage = clientAwaitingAuth
		return sink(ClientEvent{Kind: ClientEventSend, Bytes: c.startupMessage()})
	default:
		return protoErrorf(SQLStateProtocolViolation, "unexpected SSL response byte %q", b)
	}
}

// AfterUpgrade sends the StartupMessage once the driver has completed a TLS
// handshake in response to an Upgrade event.
func (c *ClientState) AfterUpgrade(sink ClientEventFunc) error {
	c.stage = clientAwaitingAuth
	return sink(ClientEvent{Kind: ClientEventSend, Bytes: c.startupMessage()})
}

func (c *ClientState) stageName() string {
	switch c.stage {
	case clientStart:
		return "Start"
	case clientAwaitingSSLResponse:
		return "AwaitingSSLResponse"
	case clientAwaitingAuth, clientAuthenticatingSCRAM:
		return "Authenticating"
	case clientAwaitingReady:
		return "AwaitingReady"
	case clientReady:
		return "Ready"
	case clientError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Drive handles one complete frame received from the server.
func (c *ClientState) Drive(frame []byte, sink ClientEventFunc) error {
	tag, err := PeekTag(frame)
	if err != nil {
		return err
	}

	switch tag {
	case tagAuthentication:
		return c.driveAuthentication(frame, sink)
	case tagParameterStatus:
		name, value, err := DecodeParameterStatus(frame)
		if err != nil {
			return err
		}
		return sink(ClientEvent{Kind: ClientEventParameter, Name: name, Value: value})
	case tagBackendKeyData:
		if c.stage != clientAwaitingReady {
			return invalidState(c.stageName(), "BackendKeyData")
		}
		pid, key, err := DecodeBackendKeyData(frame)
		if err != nil {
			return err
		}
		return sink(ClientEvent{Kind: ClientEventBackendKey, PID: pid, Key: key})
	case tagReadyForQuery:
		if c.stage != clientAwaitingReady {
			return invalidState(c.stageName(), "ReadyForQuery")
		}
		if _, err := DecodeReadyForQuery(frame); err != nil {
			return err
		}
		c.stage = clientReady
		return sink(ClientEvent{Kind: ClientEventReady})
	case tagErrorResponse:
		e, err := DecodeErrorResponse(frame)
		if err != nil {
			return err
		}
		c.stage = clientError
		return sink(ClientEvent{Kind: ClientEventError, Err: &ProtocolError{Code: e.Code, Message: e.Message}})
	default:
		return protoErrorf(SQLStateProtocolViolation, "unexpected message tag %q from server", tag)
	}
}

func (c *ClientState) driveAuthentication(frame []byte, sink ClientEventFunc) error {
	subtype, payload, err := DecodeAuthenticationMessage(frame)
	if err != nil {
		return err
	}

	switch subtype {
	case AuthOK:
		c.stage = clientAwaitingReady
		return sink(ClientEvent{Kind: ClientEventAuthenticated})

	case AuthCleartext:
		if c.stage != clientAwaitingAuth {
			return invalidState(c.stageName(), "AuthenticationCleartextPassword")
		}
		return sink(ClientEvent{Kind: ClientEventSend, Bytes: BuildPasswordMessage(c.creds.Password)})

	case AuthMD5:
		if c.stage != clientAwaitingAuth || len(payload) < 4 {
			return invalidState(c.stageName(), "AuthenticationMD5Password")
		}
		var salt [4]byte
		copy(salt[:], payload[:4])
		resp := md5auth.ClientResponse(c.creds.Password, c.creds.Username, salt)
		return sink(ClientEvent{Kind: ClientEventSend, Bytes: BuildPasswordMessage(resp)})

	case AuthSASL:
		if c.stage != clientAwaitingAuth {
			return invalidState(c.stageName(), "AuthenticationSASL")
		}
		c.scramConv = scram.NewClient(c.creds.Username, c.creds.Password)
		clientFirst, err := c.scramConv.ClientFirstMessage()
		if err != nil {
			return err
		}
		c.stage = clientAuthenticatingSCRAM
		return sink(ClientEvent{Kind: ClientEventSend, Bytes: BuildSASLInitialResponse(scram.Mechanism, []byte(clientFirst))})

	case AuthSASLContinue:
		if c.stage != clientAuthenticatingSCRAM || c.scramConv == nil {
			return invalidState(c.stageName(), "AuthenticationSASLContinue")
		}
		clientFinal, err := c.scramConv.ClientFinalMessage(string(payload))
		if err != nil {
			return err
		}
		return sink(ClientEvent{Kind: ClientEventSend, Bytes: BuildSASLResponse([]byte(clientFinal))})

	case AuthSASLFinal:
		if c.stage != clientAuthenticatingSCRAM || c.scramConv == nil {
			return invalidState(c.stageName(), "AuthenticationSASLFinal")
		}
		return c.scramConv.VerifyServerFinal(string(payload))

	default:
		return protoErrorf(SQLStateProtocolViolation, "unsupported authentication subtype %d", subtype)
	}
}
