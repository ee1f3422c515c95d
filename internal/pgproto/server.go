package pgproto

import (
	"fmt"

	"github.com/gelgate/gelgate/internal/auth"
	"github.com/gelgate/gelgate/internal/auth/md5auth"
	"github.com/gelgate/gelgate/internal/auth/scram"
)

// serverStage is the ServerState's internal phase, distinct from the
// coarser lifecycle the driver sees: several stages below collapse
// into "Authenticating" from the driver's point of view.
type serverStage int

const (
	stageInitial serverStage = iota
	stageAwaitingAuthInfo
	stageAuthenticatingPlain
	stageAuthenticatingMD5
	stageAuthenticatingSCRAMInitial
	stageAuthenticatingSCRAMFinal
	stageParameterExchange
	stageReady
	stageError
)

// ServerDriveKind selects which field of a ServerDrive is populated.
type ServerDriveKind int

const (
	DriveInitial ServerDriveKind = iota
	DriveMessage
	DriveAuthInfo
	DriveParameter
	DriveReady
	DriveFail
)

// ServerDrive is one input fed to ServerState.Drive: either a raw frame
// read off the wire (Initial/Message) or a decision handed down by the
// embedder through the driver (AuthInfo/Parameter/Ready/Fail).
type ServerDrive struct {
	Kind ServerDriveKind

	Bytes []byte // Initial, Message

	AuthType   auth.AuthType       // AuthInfo
	Credential auth.CredentialData // AuthInfo

	Name, Value string // Parameter

	PID, Key int32 // Ready

	Code, Message string // Fail
}

func Initial(b []byte) ServerDrive   { return ServerDrive{Kind: DriveInitial, Bytes: b} }
func Message(b []byte) ServerDrive   { return ServerDrive{Kind: DriveMessage, Bytes: b} }
func AuthInfo(t auth.AuthType, c auth.CredentialData) ServerDrive {
	return ServerDrive{Kind: DriveAuthInfo, AuthType: t, Credential: c}
}
func Parameter(name, value string) ServerDrive {
	return ServerDrive{Kind: DriveParameter, Name: name, Value: value}
}
func Ready(pid, key int32) ServerDrive { return ServerDrive{Kind: DriveReady, PID: pid, Key: key} }
func Fail(code, message string) ServerDrive {
	return ServerDrive{Kind: DriveFail, Code: code, Message: message}
}

// ServerEventKind selects which field of a ServerEvent is populated.
type ServerEventKind int

const (
	EventSend ServerEventKind = iota
	EventSendSSL
	EventAuth
	EventParams
	EventParameter
	EventServerError
	EventUpgrade
	EventStateChanged
)

// ServerEvent is one output of ServerState.Drive, delivered to the
// caller-supplied EventFunc in the order produced.
type ServerEvent struct {
	Kind ServerEventKind

	Bytes []byte // Send

	SSLByte byte // SendSSL

	User, Database string // Auth

	Name, Value string // Parameter (non-user/database startup params the client sent)

	Err error // ServerError

	State string // StateChanged
}

// EventFunc receives ServerState output events in emission order.
type EventFunc func(ServerEvent) error

// ServerState drives one server-side PostgreSQL connection through startup,
// SSL negotiation, authentication, and parameter exchange. It
// owns no I/O: the caller (internal/listener.Driver) reads bytes off a
// socket, frames them with wire.StructBuffer, and feeds one complete frame
// per Drive call.
type ServerState struct {
	sslReq auth.SslRequirement

	stage serverStage

	user, database string

	authType   auth.AuthType
	credential auth.CredentialData

	md5Salt [4]byte

	scramConv *scram.ServerConversation
}

// NewServerState creates a server state machine with the given SSL policy.
func NewServerState(sslReq auth.SslRequirement) *ServerState {
	return &ServerState{sslReq: sslReq, stage: stageInitial}
}

// Drive advances the state machine by one input, emitting zero or more
// events through sink. It returns a *ProtocolError for malformed input that
// should become a wire ErrorResponse, or an *ErrInvalidState if the driver
// fed an input the current stage can never legally receive.
func (s *ServerState) Drive(d ServerDrive, sink EventFunc) error {
	switch d.Kind {
	case DriveInitial:
		return s.driveInitial(d.Bytes, sink)
	case DriveMessage:
		return s.driveMessage(d.Bytes, sink)
	case DriveAuthInfo:
		return s.driveAuthInfo(d.AuthType, d.Credential, sink)
	case DriveParameter:
		return s.driveParameter(d.Name, d.Value, sink)
	case DriveReady:
		return s.driveReady(d.PID, d.Key, sink)
	case DriveFail:
		return s.driveFail(d.Code, d.Message, sink)
	default:
		return invalidState(s.stageName(), "unknown")
	}
}

func (s *ServerState) stageName() string {
	switch s.stage {
	case stageInitial:
		return "Initial"
	case stageAwaitingAuthInfo:
		return "AwaitingAuthInfo"
	case stageAuthenticatingPlain, stageAuthenticatingMD5, stageAuthenticatingSCRAMInitial, stageAuthenticatingSCRAMFinal:
		return "Authenticating"
	case stageParameterExchange:
		return "ParameterExchange"
	case stageReady:
		return "Ready"
	case stageError:
		return "Error"
	default:
		return "Unknown"
	}
}

func (s *ServerState) emitStateChanged(sink EventFunc) error {
	return sink(ServerEvent{Kind: EventStateChanged, State: s.stageName()})
}

func (s *ServerState) driveInitial(frame []byte, sink EventFunc) error {
	if s.stage != stageInitial {
		return invalidState(s.stageName(), "Initial")
	}

	isSSL, info, err := ParseInitial(frame)
	if err != nil {
		return s.fail(SQLStateProtocolViolation, err.Error(), sink)
	}

	if isSSL {
		switch s.sslReq {
		case auth.Disable:
			if err := sink(ServerEvent{Kind: EventSendSSL, SSLByte: 'N'}); err != nil {
				return err
			}
			return nil // stay in Initial, awaiting the next Initial drive
		default: // Optional or Required: always accept
			if err := sink(ServerEvent{Kind: EventSendSSL, SSLByte: 'S'}); err != nil {
				return err
			}
			return sink(ServerEvent{Kind: EventUpgrade})
		}
	}

	if s.sslReq == auth.Required {
		return s.fail(SQLStateProtocolViolation, "SSL required but StartupMessage sent without SSLRequest", sink)
	}

	user, ok := info.Params["user"]
	if !ok || user == "" {
		return s.fail(SQLStateProtocolViolation, "StartupMessage missing required parameter \"user\"", sink)
	}
	database := info.Params["database"]
	if database == "" {
		database = user
	}
	s.user = user
	s.database = database

	for k, v := range info.Params {
		if k == "user" || k == "database" {
			continue
		}
		if err := sink(ServerEvent{Kind: EventParameter, Name: k, Value: v}); err != nil {
			return err
		}
	}

	s.stage = stageAwaitingAuthInfo
	if err := s.emitStateChanged(sink); err != nil {
		return err
	}
	return sink(ServerEvent{Kind: EventAuth, User: user, Database: database})
}

func (s *ServerState) driveAuthInfo(authType auth.AuthType, cred auth.CredentialData, sink EventFunc) error {
	if s.stage != stageAwaitingAuthInfo {
		return invalidState(s.stageName(), "AuthInfo")
	}
	s.authType = authType
	s.credential = cred

	switch authType {
	case auth.Deny:
		return s.fail(SQLStateInvalidPassword, fmt.Sprintf("password authentication failed for user %q", s.user), sink)

	case auth.Trust:
		if _, ok := cred.(auth.TrustCredential); !ok {
			return s.fail(SQLStateInvalidPassword, fmt.Sprintf("password authentication failed for user %q", s.user), sink)
		}
		if err := sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationOk{}.Build()}); err != nil {
			return err
		}
		return s.enterParameterExchange(sink)

	case auth.Plain:
		s.stage = stageAuthenticatingPlain
		if err := s.emitStateChanged(sink); err != nil {
			return err
		}
		return sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationCleartextPassword{}.Build()})

	case auth.Md5:
		salt, err := md5auth.Challenge()
		if err != nil {
			return s.fail(SQLStateInvalidAuthorization, "failed to generate MD5 challenge", sink)
		}
		s.md5Salt = salt
		s.stage = stageAuthenticatingMD5
		if err := s.emitStateChanged(sink); err != nil {
			return err
		}
		return sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationMD5Password{Salt: salt}.Build()})

	case auth.ScramSha256:
		if _, ok := cred.(auth.TrustCredential); ok {
			return invalidState(s.stageName(), "AuthInfo(TrustCredential under ScramSha256 policy)")
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

	default:
		return s.fail(SQLStateInvalidAuthorization, fmt.Sprintf("unsupported auth type %s", authType), sink)
	}
}

// credentialStoredKey produces the SCRAM verifier to authenticate against.
// A ScramCredential supplies one directly; a PlainCredential can still
// satisfy SCRAM because the plaintext is on hand to derive one on the fly.
// An MD5Credential cannot: its digest can't be un-mixed back into a
// SCRAM-compatible salted password, so (like an unknown/DenyCredential
// user) it reports false and the caller falls back to a dummy key, failing
// the exchange without revealing that the credential exists in the wrong
// shape. TrustCredential never reaches here — driveAuthInfo rejects that
// combination outright, since Trust carries no verifier to agree on at all.
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

func (s *ServerState) driveMessage(frame []byte, sink EventFunc) error {
	switch s.stage {
	case stageAuthenticatingPlain:
		password, err := DecodePasswordMessage(frame)
		if err != nil {
			return s.fail(SQLStateProtocolViolation, err.Error(), sink)
		}
		if !verifyPlain(s.credential, s.user, password) {
			return s.fail(SQLStateInvalidPassword, fmt.Sprintf("password authentication failed for user %q", s.user), sink)
		}
		if err := sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationOk{}.Build()}); err != nil {
			return err
		}
		return s.enterParameterExchange(sink)

	case stageAuthenticatingMD5:
		password, err := DecodePasswordMessage(frame)
		if err != nil {
			return s.fail(SQLStateProtocolViolation, err.Error(), sink)
		}
		if len(password) < 3 || password[:3] != "md5" {
			return s.fail(SQLStateProtocolViolation, "malformed md5 PasswordMessage", sink)
		}
		if !verifyMD5(s.credential, s.user, s.md5Salt, password[3:]) {
			return s.fail(SQLStateInvalidPassword, fmt.Sprintf("password authentication failed for user %q", s.user), sink)
		}
		if err := sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationOk{}.Build()}); err != nil {
			return err
		}
		return s.enterParameterExchange(sink)

	case stageAuthenticatingSCRAMInitial:
		mech, data, err := DecodeSASLInitialResponse(frame)
		if err != nil {
			return s.fail(SQLStateProtocolViolation, err.Error(), sink)
		}
		if mech != scram.Mechanism {
			return s.fail(SQLStateProtocolViolation, fmt.Sprintf("unsupported SASL mechanism %q", mech), sink)
		}
		serverFirst, err := s.scramConv.Step1(string(data))
		if err != nil {
			return s.fail(SQLStateInvalidPassword, fmt.Sprintf("authentication failed for user %q", s.user), sink)
		}
		s.stage = stageAuthenticatingSCRAMFinal
		if err := s.emitStateChanged(sink); err != nil {
			return err
		}
		return sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationSASLContinue{Data: []byte(serverFirst)}.Build()})

	case stageAuthenticatingSCRAMFinal:
		data, err := DecodeSASLResponse(frame)
		if err != nil {
			return s.fail(SQLStateProtocolViolation, err.Error(), sink)
		}
		serverFinal, err := s.scramConv.Step2(string(data))
		if err != nil {
			return s.fail(SQLStateInvalidPassword, fmt.Sprintf("authentication failed for user %q", s.user), sink)
		}
		if err := sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationSASLFinal{Data: []byte(serverFinal)}.Build()}); err != nil {
			return err
		}
		if err := sink(ServerEvent{Kind: EventSend, Bytes: AuthenticationOk{}.Build()}); err != nil {
			return err
		}
		return s.enterParameterExchange(sink)

	default:
		return invalidState(s.stageName(), "Message")
	}
}

// verifyPlain checks a cleartext-submitted password against whatever form
// the credential happens to be stored in: the server's chosen AuthType is
// independent of how the embedder's credential store happens to keep the
// password. Having the plaintext in hand lets it re-derive any stored form
// and compare.
func verifyPlain(cred auth.CredentialData, username, password string) bool {
	switch c := cred.(type) {
	case auth.PlainCredential:
		return c.Password == password
	case auth.MD5Credential:
		return md5auth.Generate([]byte(password), username).InnerDigest == c.Stored.InnerDigest
	case auth.ScramCredential:
		derived := scram.Generate([]byte(password), c.Stored.Salt, c.Stored.Iterations)
		return derived.StoredKey == c.Stored.StoredKey
	default:
		return false
	}
}

func verifyMD5(cred auth.CredentialData, username string, salt [4]byte, candidateHex string) bool {
	switch c := cred.(type) {
	case auth.MD5Credential:
		return md5auth.Verify(c.Stored, salt, candidateHex)
	case auth.PlainCredential:
		expected := md5auth.ClientResponse(c.Password, username, salt)
		return expected == "md5"+candidateHex
	default:
		return false
	}
}

func (s *ServerState) driveParameter(name, value string, sink EventFunc) error {
	if s.stage != stageParameterExchange {
		return invalidState(s.stageName(), "Parameter")
	}
	return sink(ServerEvent{Kind: EventSend, Bytes: ParameterStatus{Name: name, Value: value}.Build()})
}

func (s *ServerState) driveReady(pid, key int32, sink EventFunc) error {
	if s.stage != stageParameterExchange {
		return invalidState(s.stageName(), "Ready")
	}
	if err := sink(ServerEvent{Kind: EventSend, Bytes: BackendKeyData{PID: pid, Key: key}.Build()}); err != nil {
		return err
	}
	if err := sink(ServerEvent{Kind: EventSend, Bytes: ReadyForQuery{Status: TxIdle}.Build()}); err != nil {
		return err
	}
	s.stage = stageReady
	return s.emitStateChanged(sink)
}

func (s *ServerState) driveFail(code, message string, sink EventFunc) error {
	return s.fail(code, message, sink)
}

func (s *ServerState) enterParameterExchange(sink EventFunc) error {
	s.stage = stageParameterExchange
	if err := s.emitStateChanged(sink); err != nil {
		return err
	}
	return sink(ServerEvent{Kind: EventParams})
}

func (s *ServerState) fail(code, message string, sink EventFunc) error {
	s.stage = stageError
	if err := sink(ServerEvent{Kind: EventSend, Bytes: ErrorResponse{Severity: "FATAL", Code: code, Message: message}.Build()}); err != nil {
		return err
	}
	if err := s.emitStateChanged(sink); err != nil {
		return err
	}
	return sink(ServerEvent{Kind: EventServerError, Err: protoErrorf(code, "%s", message)})
}
