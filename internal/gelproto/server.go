package gelproto

import (
	"fmt"

	"github.com/gelgate/gelgate/internal/auth"
	"github.com/gelgate/gelgate/internal/auth/scram"
)

type serverStage int

const (
	stageInitial serverStage = iota
	stageAwaitingAuthInfo
	stageAuthenticatingSCRAMInitial
	stageAuthenticatingSCRAMFinal
	stageParameters
	stageReady
	stageError
	stageClosed // negotiation failed outright: ServerHandshake sent, no Ready will ever follow
)

// ServerDriveKind selects which field of a ServerDrive is populated.
type ServerDriveKind int

const (
	DriveMessage ServerDriveKind = iota
	DriveAuthInfo
	DriveReady
	DriveFail
)

// ServerDrive is one input fed to ServerState.Drive. Unlike pgproto, Gel has
// no untyped "Initial" frame shape — ClientHandshake is a typed message
// like any other, so every raw byte input uses DriveMessage.
type ServerDrive struct {
	Kind ServerDriveKind

	Bytes []byte // Message

	AuthType   auth.AuthType
	Credential auth.CredentialData // AuthInfo

	TransactionState byte // Ready

	Code    ErrorCode // Fail
	Message string    // Fail
}

func Message(b []byte) ServerDrive { return ServerDrive{Kind: DriveMessage, Bytes: b} }
func AuthInfo(t auth.AuthType, c auth.CredentialData) ServerDrive {
	return ServerDrive{Kind: DriveAuthInfo, AuthType: t, Credential: c}
}
func Ready(txState byte) ServerDrive { return ServerDrive{Kind: DriveReady, TransactionState: txState} }
func Fail(code ErrorCode, message string) ServerDrive {
	return ServerDrive{Kind: DriveFail, Code: code, Message: message}
}

// ServerEventKind selects which field of a ServerEvent is populated.
type ServerEventKind int

const (
	EventSend ServerEventKind = iota
	EventAuth
	EventParameter
	EventParams
	EventServerError
	EventStateChanged
	EventWarning
)

// ServerEvent is one output of ServerState.Drive.
type ServerEvent struct {
	Kind ServerEventKind

	Bytes []byte // Send

	User, Database, Branch string // Auth

	Name, Value string // Parameter (client-sent handshake params, passed through)

	Err error // ServerError

	State string // StateChanged

	Message string // Warning
}

// EventFunc receives ServerState output events in emission order.
type EventFunc func(ServerEvent) error

// ServerState drives one server-side Gel connection through handshake,
// authentication, and parameter exchange. Like pgproto it owns no I/O.
type ServerState struct {
	stage serverStage

	user, database, branch string

	authType   auth.AuthType
	credential auth.CredentialData

	scramConv *scram.ServerConversation
}

// NewServerState creates a Gel server state machine.
func NewServerState() *ServerState {
	return &ServerState{stage: stageInitial}
}

func (s *ServerState) Drive(d ServerDrive, sink EventFunc) error {
	switch d.Kind {
	case DriveMessage:
		return s.driveMessage(d.Bytes, sink)
	case DriveAuthInfo:
		return s.driveAuthInfo(d.AuthType, d.Credential, sink)
	case DriveReady:
		return s.driveReady(d.TransactionState, sink)
	case DriveFail:
		return s.fail(d.Code, d.Message, sink)
	default:
		return invalidState(s.stageName(), "unknown")
	}
}

// Done reports whether the connection has reached a terminal state (Ready,
// a failed handshake, or a version-negotiation close), matching the source's
// ServerState::is_done used to end the driver's feed loop.
func (s *ServerState) Done() bool {
	return s.stage == stageReady || s.stage == stageError || s.stage == stageClosed
}

func (s *ServerState) stageName() string {
	switch s.stage {
	case stageInitial:
		return "Initial"
	case stageAwaitingAuthInfo:
		return "AwaitingAuthInfo"
	case stageAuthenticatingSCRAMInitial, stageAuthenticatingSCRAMFinal:
		return "Authenticating"
	case stageParameters:
		return "Parameters"
	case stageReady:
		return "Ready"
	case stageError:
		return "Error"
	case stageClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

func (s *ServerState) emitStateChanged(sink EventFunc) error {
	return sink(ServerEvent{Kind: EventStateChanged, State: s.stageName()})
}

func (s *ServerState) driveMessage(frame []byte, sink EventFunc) error {
	if s.stage == stageInitial {
		return s.driveClientHandshake(frame, sink)
	}

	tag, err := PeekTag(frame)
	if err != nil {
		return err
	}
	switch s.stage {
	case stageAuthenticatingSCRAMInitial:
		if tag != tagSASLInitial {
			return s.fail(ProtocolViolation, fmt.Sprintf("expected AuthenticationSaslInitialResponse, got tag %q", tag), sink)
		}
		mech, data, err := DecodeSASLInitialResponse(frame)
		if err != nil {
			return s.fail(ProtocolViolation, err.Error(), sink)
		}
		if mech != scram.Mechanism {
			return s.fail(ProtocolViolation, fmt.Sprintf("unsupported SASL mechanism %q", mech), sink)
		}
		serverFirst, err := s.scramConv.Step1(string(data))
		if err != nil {
			return s.fail(AuthenticationError, "authentication failed", sink)
		}
		s.stage = stageAuthenticatingSCRAMFinal
		if err := s.emitStateChanged(sink); err != nil {
			return err
		}
		return sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationSASLContinue{Data: []byte(serverFirst)}.Build()})

	case stageAuthenticatingSCRAMFinal:
		if tag != tagSASLResponse {
			return s.fail(ProtocolViolation, fmt.Sprintf("expected AuthenticationSaslResponse, got tag %q", tag), sink)
		}
		data, err := DecodeSASLResponse(frame)
		if err != nil {
			return s.fail(ProtocolViolation, err.Error(), sink)
		}
		serverFinal, err := s.scramConv.Step2(string(data))
		if err != nil {
			return s.fail(AuthenticationError, "authentication failed", sink)
		}
		if err := sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationSASLFinal{Data: []byte(serverFinal)}.Build()}); err != nil {
			return err
		}
		if err := sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationOk{}.Build()}); err != nil {
			return err
		}
		return s.enterParameters(sink)

	default:
		return invalidState(s.stageName(), "Message")
	}
}

func (s *ServerState) driveClientHandshake(frame []byte, sink EventFunc) error {
	hs, err := DecodeClientHandshake(frame)
	if err != nil {
		return s.fail(ProtocolViolation, err.Error(), sink)
	}

	if hs.MajorVer != ProtocolMajor {
		if err := sink(ServerEvent{Kind: EventSend, Bytes: ServerHandshake{MajorVer: ProtocolMajor, MinorVer: ProtocolMinor}.Build()}); err != nil {
			return err
		}
		s.stage = stageClosed
		return s.emitStateChanged(sink)
	}
	if hs.MinorVer > ProtocolMinor {
		// Accept the lower minor and warn rather than rejecting outright.
		if err := sink(ServerEvent{Kind: EventSend, Bytes: ServerHandshake{MajorVer: ProtocolMajor, MinorVer: ProtocolMinor}.Build()}); err != nil {
			return err
		}
		if err := sink(ServerEvent{Kind: EventWarning, Message: fmt.Sprintf(
			"client requested protocol %d.%d, downgrading to %d.%d",
			hs.MajorVer, hs.MinorVer, ProtocolMajor, ProtocolMinor)}); err != nil {
			return err
		}
	}

	for k, v := range hs.Params {
		if err := sink(ServerEvent{Kind: EventParameter, Name: k, Value: v}); err != nil {
			return err
		}
	}

	user := hs.Params["user"]
	database := hs.Params["database"]
	branch := hs.Params["branch"]
	if user == "" {
		return s.fail(ProtocolViolation, "ClientHandshake missing required parameter \"user\"", sink)
	}
	s.user, s.database, s.branch = user, database, branch

	s.stage = stageAwaitingAuthInfo
	if err := s.emitStateChanged(sink); err != nil {
		return err
	}
	return sink(ServerEvent{Kind: EventAuth, User: user, Database: database, Branch: branch})
}

func (s *ServerState) driveAuthInfo(authType auth.AuthType, cred auth.CredentialData, sink EventFunc) error {
	if s.stage != stageAwaitingAuthInfo {
		return invalidState(s.stageName(), "AuthInfo")
	}
	s.authType = authType
	s.credential = cred

	switch authType {
	case auth.Deny:
		return s.fail(AuthenticationError, "authentication failed", sink)

	case auth.Trust:
		if _, ok := cred.(auth.TrustCredential); !ok {
			return s.fail(AuthenticationError, "authentication failed", sink)
		}
		if err := sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationOk{}.Build()}); err != nil {
			return err
		}
		return s.enterParameters(sink)

	default:
		// Every other policy value authenticates over SCRAM-SHA-256: Gel
		// has no cleartext or MD5 wire subtype.
		if _, ok := cred.(auth.TrustCredential); ok {
			return invalidState(s.stageName(), "AuthInfo(TrustCredential under SCRAM policy)")
		}
		stored := scram.DummyStoredKey(s.user)
		if real, ok := credentialStoredKey(cred); ok {
			stored = real
		}
		s.scramConv = scram.NewServer(stored)
		s.stage = stageAuthenticatingSCRAMInitial
		if err := s.emitStateChanged(sink); err != nil {
			return err
		}
		return sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationSASL{Mechanisms: []string{scram.Mechanism}}.Build()})
	}
}

// credentialStoredKey mirrors pgproto's cross-compatibility handling: a
// ScramCredential is used directly, a PlainCredential can still derive one
// since the plaintext is on hand, and an MD5Credential cannot (its digest
// can't be un-mixed into a salted password), so it falls back like an
// unknown/DenyCredential user. TrustCredential never reaches here — the
// caller rejects that combination outright as a programming error.
func credentialStoredKey(cred auth.CredentialData) (scram.StoredKey, bool) {
	switch c := cred.(type) {
	case auth.ScramCredential:
		return c.Stored, true
	case auth.PlainCredential:
		salt, err := scram.NewSalt()
		if err != nil {
			return scram.StoredKey{}, false
		}
		return scram.Generate([]byte(c.Password), salt, scram.DefaultIterations), true
	default:
		return scram.StoredKey{}, false
	}
}

func (s *ServerState) enterParameters(sink EventFunc) error {
	s.stage = stageParameters
	if err := s.emitStateChanged(sink); err != nil {
		return err
	}
	return sink(ServerEvent{Kind: EventParams})
}

func (s *ServerState) driveReady(txState byte, sink EventFunc) error {
	if s.stage != stageParameters {
		return invalidState(s.stageName(), "Ready")
	}
	var key [32]byte
	if err := sink(ServerEvent{Kind: EventSend, Bytes: ServerKeyData{Key: key}.Build()}); err != nil {
		return err
	}
	if err := sink(ServerEvent{Kind: EventSend, Bytes: ReadyForCommand{TransactionState: txState}.Build()}); err != nil {
		return err
	}
	s.stage = stageReady
	return s.emitStateChanged(sink)
}

func (s *ServerState) fail(code ErrorCode, message string, sink EventFunc) error {
	s.stage = stageError
	severity := SeverityFatal
	if err := sink(ServerEvent{Kind: EventSend, Bytes: ErrorResponse{Severity: severity, Code: code, Message: message}.Build()}); err != nil {
		return err
	}
	if err := s.emitStateChanged(sink); err != nil {
		return err
	}
	return sink(ServerEvent{Kind: EventServerError, Err: protoErrorf(code, "%s", message)})
}
