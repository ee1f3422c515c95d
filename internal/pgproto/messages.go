// Package pgproto implements the PostgreSQL v3 wire protocol's message
// catalog and the server/client authentication state machines:
// Initial → [SslRequesting] → StartupReceived → Authenticating →
// ParameterExchange → Ready, driven one frame at a time by a caller that
// owns the actual socket (internal/listener.Driver).
package pgproto

import (
	"fmt"

	"github.com/gelgate/gelgate/internal/wire"
)

// ProtocolVersion is PostgreSQL protocol version 3.0 (0x00030000).
const ProtocolVersion = 3 << 16

// SSLRequestCode is the magic value sent in place of a protocol version to
// request an SSL upgrade before the real StartupMessage.
const SSLRequestCode = 80877103

// Authentication reply subtypes, carried in the 4-byte code following the
// 'R' message tag.
const (
	AuthOK            int32 = 0
	AuthCleartext     int32 = 3
	AuthMD5           int32 = 5
	AuthSASL          int32 = 10
	AuthSASLContinue  int32 = 11
	AuthSASLFinal     int32 = 12
)

// Message type tags.
const (
	tagAuthentication  byte = 'R'
	tagErrorResponse   byte = 'E'
	tagParameterStatus byte = 'S'
	tagBackendKeyData  byte = 'K'
	tagReadyForQuery   byte = 'Z'
	tagPassword        byte = 'p'
	tagQuery           byte = 'Q'
	tagTerminate       byte = 'X'
)

// --- server -> client builders ------------------------------------------

type AuthenticationOk struct{}

func (AuthenticationOk) Build() []byte {
	return wire.NewBuilder(tagAuthentication).Int32(AuthOK).Finish()
}

type AuthenticationCleartextPassword struct{}

func (AuthenticationCleartextPassword) Build() []byte {
	return wire.NewBuilder(tagAuthentication).Int32(AuthCleartext).Finish()
}

type AuthenticationMD5Password struct {
	Salt [4]byte
}

func (m AuthenticationMD5Password) Build() []byte {
	return wire.NewBuilder(tagAuthentication).Int32(AuthMD5).Bytes(m.Salt[:]).Finish()
}

type AuthenticationSASL struct {
	Mechanisms []string
}

func (m AuthenticationSASL) Build() []byte {
	b := wire.NewBuilder(tagAuthentication).Int32(AuthSASL)
	for _, mech := range m.Mechanisms {
		b.ZTString(mech)
	}
	b.Byte(0)
	return b.Finish()
}

type AuthenticationSASLContinue struct {
	Data []byte
}

func (m AuthenticationSASLContinue) Build() []byte {
	return wire.NewBuilder(tagAuthentication).Int32(AuthSASLContinue).Bytes(m.Data).Finish()
}

type AuthenticationSASLFinal struct {
	Data []byte
}

func (m AuthenticationSASLFinal) Build() []byte {
	return wire.NewBuilder(tagAuthentication).Int32(AuthSASLFinal).Bytes(m.Data).Finish()
}

type ParameterStatus struct {
	Name  string
	Value string
}

func (m ParameterStatus) Build() []byte {
	return wire.NewBuilder(tagParameterStatus).ZTString(m.Name).ZTString(m.Value).Finish()
}

type BackendKeyData struct {
	PID int32
	Key int32
}

func (m BackendKeyData) Build() []byte {
	return wire.NewBuilder(tagBackendKeyData).Int32(m.PID).Int32(m.Key).Finish()
}

type ReadyForQuery struct {
	Status byte
}

func (m ReadyForQuery) Build() []byte {
	return wire.NewBuilder(tagReadyForQuery).Byte(m.Status).Finish()
}

// Transaction status bytes for ReadyForQuery.
const (
	TxIdle             byte = 'I'
	TxInTransaction    byte = 'T'
	TxFailedTransaction byte = 'E'
)

type ErrorResponse struct {
	Severity string
	Code     string
	Message  string
}

func (m ErrorResponse) Build() []byte {
	b := wire.NewBuilder(tagErrorResponse)
	b.Byte('S').ZTString(m.Severity)
	b.Byte('C').ZTString(m.Code)
	b.Byte('M').ZTString(m.Message)
	b.Byte(0)
	return b.Finish()
}

// SQLSTATE codes used by this core.
const (
	SQLStateInvalidPassword       = "28P01"
	SQLStateUnknownDatabase       = "3D000"
	SQLStateProtocolViolation     = "08P01"
	SQLStateInvalidAuthorization  = "28000"
)

// --- client -> server decoding -------------------------------------------

// StartupInfo is the parsed body of a StartupMessage.
type StartupInfo struct {
	Params map[string]string
}

// ParseInitial classifies the first frame of a connection: an SSLRequest (no
// body beyond the code) or a StartupMessage (protocol version + zero
// terminated name/value pairs). frame is the complete untyped frame
// (4-byte length, then body) as delivered by the driver's framer.
func ParseInitial(frame []byte) (isSSLRequest bool, info StartupInfo, err error) {
	if len(frame) < 8 {
		return false, StartupInfo{}, wire.ErrTooShort
	}
	code := wire.Uint32(frame[4:8])
	if code == SSLRequestCode {
		if len(frame) != 8 {
			return false, StartupInfo{}, &wire.InvalidDataError{Type: "SSLRequest", Offset: 0, Reason: "unexpected trailing bytes"}
		}
		return true, StartupInfo{}, nil
	}
	if code != ProtocolVersion {
		return false, StartupInfo{}, fmt.Errorf("pgproto: unsupported protocol version 0x%08x", code)
	}

	params := make(map[string]string)
	data := frame[8:]
	for len(data) > 1 {
		key, n, err := wire.ZTString(data)
		if err != nil {
			return false, StartupInfo{}, fmt.Errorf("pgproto: malformed startup message (key): %w", err)
		}
		data = data[n:]
		value, n, err := wire.ZTString(data)
		if err != nil {
			return false, StartupInfo{}, fmt.Errorf("pgproto: malformed startup message (value): %w", err)
		}
		data = data[n:]
		params[key] = value
	}
	if len(data) != 1 || data[0] != 0 {
		return false, StartupInfo{}, fmt.Errorf("pgproto: startup message missing terminator")
	}
	return false, StartupInfo{Params: params}, nil
}

// BuildStartupMessage encodes a client-side StartupMessage.
func BuildStartupMessage(params map[string]string) []byte {
	b := wire.NewInitialBuilder().Int32(ProtocolVersion)
	for k, v := range params {
		b.ZTString(k).ZTString(v)
	}
	b.Byte(0)
	return b.Finish()
}

// BuildSSLRequest encodes the SSLRequest initial message.
func BuildSSLRequest() []byte {
	return wire.NewInitialBuilder().Int32(SSLRequestCode).Finish()
}

// decodedMessage is a typed frame split into its tag and body (the body
// excludes the tag and length field).
type decodedMessage struct {
	tag  byte
	body []byte
}

// Message type table, one entry per decodable typed message, built once at
// package init rather than recomputed per call. decodeMessage uses it as
// the shared too-short/wrong-tag gate every decoder used to hand-roll.
var (
	mtPasswordMessage = wire.MessageType{Name: "PasswordMessage", Tag: tagPassword, Typed: true}
	mtAuthentication  = wire.MessageType{Name: "Authentication", Tag: tagAuthentication, Typed: true, MinLen: 9}
	mtErrorResponse   = wire.MessageType{Name: "ErrorResponse", Tag: tagErrorResponse, Typed: true}
	mtParameterStatus = wire.MessageType{Name: "ParameterStatus", Tag: tagParameterStatus, Typed: true}
	mtBackendKeyData  = wire.MessageType{Name: "BackendKeyData", Tag: tagBackendKeyData, Typed: true, MinLen: 13}
	mtReadyForQuery   = wire.MessageType{Name: "ReadyForQuery", Tag: tagReadyForQuery, Typed: true, MinLen: 6}
)

func decodeMessage(frame []byte, mt wire.MessageType) (decodedMessage, error) {
	if len(frame) < 5 {
		return decodedMessage{}, wire.ErrTooShort
	}
	if !wire.IsBuffer(frame, mt) {
		return decodedMessage{}, fmt.Errorf("pgproto: expected %s, got tag %q", mt.Name, frame[0])
	}
	return decodedMessage{tag: frame[0], body: frame[mt.HeaderLen():]}, nil
}

// DecodePasswordMessage decodes a plain PasswordMessage ('p' + ZT string).
func DecodePasswordMessage(frame []byte) (string, error) {
	m, err := decodeMessage(frame, mtPasswordMessage)
	if err != nil {
		return "", err
	}
	s, _, err := wire.ZTString(m.body)
	if err != nil {
		return "", fmt.Errorf("pgproto: malformed PasswordMessage: %w", err)
	}
	return s, nil
}

// DecodeSASLInitialResponse decodes a SASLInitialResponse, sent as a
// PasswordMessage ('p') containing the chosen mechanism name, a 4-byte
// length, and the client-first-message bytes.
func DecodeSASLInitialResponse(frame []byte) (mechanism string, data []byte, err error) {
	m, err := decodeMessage(frame, mtPasswordMessage)
	if err != nil {
		return "", nil, err
	}
	mech, n, err := wire.ZTString(m.body)
	if err != nil {
		return "", nil, fmt.Errorf("pgproto: malformed SASLInitialResponse mechanism: %w", err)
	}
	rest := m.body[n:]
	if len(rest) < 4 {
		return "", nil, wire.ErrTooShort
	}
	length := int(wire.Uint32(rest[:4]))
	if len(rest) < 4+length {
		return "", nil, wire.ErrTooShort
	}
	return mech, rest[4 : 4+length], nil
}

// BuildSASLInitialResponse encodes the client's SASLInitialResponse.
func BuildSASLInitialResponse(mechanism string, clientFirstMessage []byte) []byte {
	b := wire.NewBuilder(tagPassword).ZTString(mechanism)
	b.Int32(int32(len(clientFirstMessage))).Bytes(clientFirstMessage)
	return b.Finish()
}

// DecodeSASLResponse decodes a SASLResponse: raw bytes with no further framing.
func DecodeSASLResponse(frame []byte) ([]byte, error) {
	m, err := decodeMessage(frame, mtPasswordMessage)
	if err != nil {
		return nil, err
	}
	return m.body, nil
}

// BuildSASLResponse encodes the client's SASLResponse/PasswordMessage body
// (shared wire shape: tag 'p' + raw bytes, no embedded length).
func BuildSASLResponse(data []byte) []byte {
	return wire.NewBuilder(tagPassword).Bytes(data).Finish()
}

// BuildPasswordMessage encodes a plain PasswordMessage.
func BuildPasswordMessage(password string) []byte {
	return wire.NewBuilder(tagPassword).ZTString(password).Finish()
}

// PeekTag returns the type tag of a typed frame without fully decoding it.
func PeekTag(frame []byte) (byte, error) {
	if len(frame) < 5 {
		return 0, wire.ErrTooShort
	}
	return frame[0], nil
}

// DecodeAuthenticationMessage decodes a server Authentication* message,
// returning the auth subtype and any trailing payload (salt bytes, SASL
// mechanism list, SASL challenge data).
func DecodeAuthenticationMessage(frame []byte) (subtype int32, payload []byte, err error) {
	m, err := decodeMessage(frame, mtAuthentication)
	if err != nil {
		return 0, nil, err
	}
	return wire.Int32(m.body[:4]), m.body[4:], nil
}

// DecodeErrorResponse decodes the tagged-field body of an ErrorResponse.
func DecodeErrorResponse(frame []byte) (ErrorResponse, error) {
	m, err := decodeMessage(frame, mtErrorResponse)
	if err != nil {
		return ErrorResponse{}, err
	}
	var e ErrorResponse
	data := m.body
	for len(data) > 0 && data[0] != 0 {
		field := data[0]
		data = data[1:]
		s, n, err := wire.ZTString(data)
		if err != nil {
			return ErrorResponse{}, fmt.Errorf("pgproto: malformed ErrorResponse field: %w", err)
		}
		data = data[n:]
		switch field {
		case 'S':
			e.Severity = s
		case 'C':
			e.Code = s
		case 'M':
			e.Message = s
		}
	}
	return e, nil
}

// DecodeParameterStatus decodes a ParameterStatus message.
func DecodeParameterStatus(frame []byte) (name, value string, err error) {
	m, err := decodeMessage(frame, mtParameterStatus)
	if err != nil {
		return "", "", err
	}
	name, n, err := wire.ZTString(m.body)
	if err != nil {
		return "", "", err
	}
	value, _, err = wire.ZTString(m.body[n:])
	if err != nil {
		return "", "", err
	}
	return name, value, nil
}

// DecodeBackendKeyData decodes a BackendKeyData message.
func DecodeBackendKeyData(frame []byte) (pid, key int32, err error) {
	m, err := decodeMessage(frame, mtBackendKeyData)
	if err != nil {
		return 0, 0, err
	}
	return wire.Int32(m.body[:4]), wire.Int32(m.body[4:8]), nil
}

// DecodeReadyForQuery decodes a ReadyForQuery message.
func DecodeReadyForQuery(frame []byte) (byte, error) {
	m, err := decodeMessage(frame, mtReadyForQuery)
	if err != nil {
		return 0, err
	}
	return m.body[0], nil
}
