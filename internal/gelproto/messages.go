// Package gelproto implements the Gel (EdgeDB) v3 binary protocol's message
// catalog and server-side authentication state machine:
// Initial → Authenticating → Parameters → Ready | Error. It shares the same
// framing shape as internal/pgproto (1-byte type tag, 4-byte length
// including itself) but an entirely distinct message family, and — unlike
// PG — has no untyped first frame: ClientHandshake is tagged like every
// other message.
package gelproto

import (
	"github.com/gelgate/gelgate/internal/wire"
)

// ProtocolMajor/ProtocolMinor are the only version this core speaks. A
// client requesting a higher minor on the same major is downgraded with a
// warning rather than rejected; a different major is rejected outright.
const (
	ProtocolMajor = 3
	ProtocolMinor = 0
)

// Message type tags.
const (
	tagClientHandshake byte = 'V'
	tagServerHandshake byte = 'v'
	tagAuthentication  byte = 'R'
	tagServerKeyData   byte = 'K'
	tagParameterStatus byte = 'S'
	tagReadyForCommand byte = 'Z'
	tagErrorResponse   byte = 'E'
	tagSASLInitial     byte = 'p'
	tagSASLResponse    byte = 'r'
	tagTerminate       byte = 'X'
)

// Authentication message subtypes (Gel has no MD5 or cleartext subtype —
// every password credential goes through SCRAM).
const (
	AuthOK           int32 = 0
	AuthSASL         int32 = 10
	AuthSASLContinue int32 = 11
	AuthSASLFinal    int32 = 12
)

// ErrorCode is Gel's 32-bit structured error code space (distinct from PG's
// SQLSTATE strings).
type ErrorCode uint32

// AuthenticationError is the sole error code this core ever produces for
// an authentication failure: the wire must not distinguish unknown-user,
// wrong-password, and policy-incompatible failures from one another.
const AuthenticationError ErrorCode = 0x07010000

// ProtocolViolation covers malformed/out-of-order input.
const ProtocolViolation ErrorCode = 0x03000000

type decodedMessage struct {
	tag  byte
	body []byte
}

// Message type table, one entry per decodable typed message. decodeMessage
// uses it as the shared too-short/wrong-tag gate every decoder used to
// hand-roll.
var (
	mtClientHandshake = wire.MessageType{Name: "ClientHandshake", Tag: tagClientHandshake, Typed: true, MinLen: 9}
	mtServerHandshake = wire.MessageType{Name: "ServerHandshake", Tag: tagServerHandshake, Typed: true, MinLen: 9}
	mtAuthentication  = wire.MessageType{Name: "Authentication", Tag: tagAuthentication, Typed: true, MinLen: 9}
	mtParameterStatus = wire.MessageType{Name: "ParameterStatus", Tag: tagParameterStatus, Typed: true}
	mtErrorResponse   = wire.MessageType{Name: "ErrorResponse", Tag: tagErrorResponse, Typed: true, MinLen: 10}
	mtSASLInitial     = wire.MessageType{Name: "SASLInitialResponse", Tag: tagSASLInitial, Typed: true}
	mtSASLResponse    = wire.MessageType{Name: "SASLResponse", Tag: tagSASLResponse, Typed: true}
)

func decodeMessage(frame []byte, mt wire.MessageType) (decodedMessage, error) {
	if len(frame) < 5 {
		return decodedMessage{}, wire.ErrTooShort
	}
	if !wire.IsBuffer(frame, mt) {
		return decodedMessage{}, &wire.InvalidDataError{Type: mt.Name, Offset: 0, Reason: "short or wrong tag"}
	}
	return decodedMessage{tag: frame[0], body: frame[mt.HeaderLen():]}, nil
}

// PeekTag returns a typed frame's type tag without fully decoding it.
func PeekTag(frame []byte) (byte, error) {
	if len(frame) < 5 {
		return 0, wire.ErrTooShort
	}
	return frame[0], nil
}

// ClientHandshake is the first message on every Gel connection.
//
// Params/Extensions are simplified to flat string maps: this core does not
// interpret extension headers or capability negotiation beyond version
// number, so the nested header-array shape the real protocol uses for
// extensions collapses to the same name/value array ParameterStatus uses.
type ClientHandshake struct {
	MajorVer   uint16
	MinorVer   uint16
	Params     map[string]string
	Extensions map[string]string
}

func decodeStringMap(buf []byte) (map[string]string, int, error) {
	if len(buf) < 2 {
		return nil, 0, wire.ErrTooShort
	}
	count := int(wire.Uint16(buf[:2]))
	off := 2
	m := make(map[string]string, count)
	for i := 0; i < count; i++ {
		key, n, err := wire.LString(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		value, n, err := wire.LString(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		m[key] = value
	}
	return m, off, nil
}

func putStringMap(b *wire.Builder, m map[string]string) {
	b.Uint16(uint16(len(m)))
	for k, v := range m {
		b.LString(k)
		b.LString(v)
	}
}

// DecodeClientHandshake decodes a ClientHandshake frame.
func DecodeClientHandshake(frame []byte) (ClientHandshake, error) {
	m, err := decodeMessage(frame, mtClientHandshake)
	if err != nil {
		return ClientHandshake{}, err
	}
	major := wire.Uint16(m.body[0:2])
	minor := wire.Uint16(m.body[2:4])
	params, n, err := decodeStringMap(m.body[4:])
	if err != nil {
		return ClientHandshake{}, err
	}
	extensions, _, err := decodeStringMap(m.body[4+n:])
	if err != nil {
		return ClientHandshake{}, err
	}
	return ClientHandshake{MajorVer: major, MinorVer: minor, Params: params, Extensions: extensions}, nil
}

// BuildClientHandshake encodes a client-side ClientHandshake.
func BuildClientHandshake(h ClientHandshake) []byte {
	b := wire.NewBuilder(tagClientHandshake).Uint16(h.MajorVer).Uint16(h.MinorVer)
	putStringMap(b, h.Params)
	putStringMap(b, h.Extensions)
	return b.Finish()
}

// ServerHandshake is sent only when the server negotiates a different
// protocol version than the client requested.
type ServerHandshake struct {
	MajorVer uint16
	MinorVer uint16
}

func (m ServerHandshake) Build() []byte {
	return wire.NewBuilder(tagServerHandshake).Uint16(m.MajorVer).Uint16(m.MinorVer).Finish()
}

func DecodeServerHandshake(frame []byte) (ServerHandshake, error) {
	m, err := decodeMessage(frame, mtServerHandshake)
	if err != nil {
		return ServerHandshake{}, err
	}
	return ServerHandshake{MajorVer: wire.Uint16(m.body[0:2]), MinorVer: wire.Uint16(m.body[2:4])}, nil
}

type AuthenticationOk struct{}

func (AuthenticationOk) Build() []byte {
	return wire.NewBuilder(tagAuthentication).Int32(AuthOK).Finish()
}

type AuthenticationSASL struct {
	Mechanisms []string
}

func (m AuthenticationSASL) Build() []byte {
	b := wire.NewBuilder(tagAuthentication).Int32(AuthSASL)
	b.Uint32(uint32(len(m.Mechanisms)))
	for _, mech := range m.Mechanisms {
		b.LString(mech)
	}
	return b.Finish()
}

type AuthenticationSASLContinue struct {
	Data []byte
}

func (m AuthenticationSASLContinue) Build() []byte {
	b := wire.NewBuilder(tagAuthentication).Int32(AuthSASLContinue)
	b.LString(string(m.Data))
	return b.Finish()
}

type AuthenticationSASLFinal struct {
	Data []byte
}

func (m AuthenticationSASLFinal) Build() []byte {
	b := wire.NewBuilder(tagAuthentication).Int32(AuthSASLFinal)
	b.LString(string(m.Data))
	return b.Finish()
}

// DecodeAuthenticationMessage decodes a server Authentication* message.
func DecodeAuthenticationMessage(frame []byte) (subtype int32, payload []byte, err error) {
	m, err := decodeMessage(frame, mtAuthentication)
	if err != nil {
		return 0, nil, err
	}
	subtype = wire.Int32(m.body[:4])
	rest := m.body[4:]
	switch subtype {
	case AuthOK:
		return subtype, nil, nil
	case AuthSASL:
		if len(rest) < 4 {
			return 0, nil, wire.ErrTooShort
		}
		count := int(wire.Uint32(rest[:4]))
		off := 4
		var mechs []byte
		for i := 0; i < count; i++ {
			s, n, err := wire.LString(rest[off:])
			if err != nil {
				return 0, nil, err
			}
			off += n
			mechs = append(mechs, []byte(s)...)
		}
		return subtype, mechs, nil
	case AuthSASLContinue, AuthSASLFinal:
		s, _, err := wire.LString(rest)
		if err != nil {
			return 0, nil, err
		}
		return subtype, []byte(s), nil
	default:
		return subtype, rest, nil
	}
}

// ServerKeyData carries an opaque per-connection key.
type ServerKeyData struct {
	Key [32]byte
}

func (m ServerKeyData) Build() []byte {
	return wire.NewBuilder(tagServerKeyData).Bytes(m.Key[:]).Finish()
}

// ParameterStatus mirrors PG's but uses length-prefixed strings, matching
// Gel's length-prefixed-everything wire convention.
type ParameterStatus struct {
	Name  string
	Value string
}

func (m ParameterStatus) Build() []byte {
	return wire.NewBuilder(tagParameterStatus).LString(m.Name).LString(m.Value).Finish()
}

func DecodeParameterStatus(frame []byte) (name, value string, err error) {
	m, err := decodeMessage(frame, mtParameterStatus)
	if err != nil {
		return "", "", err
	}
	name, n, err := wire.LString(m.body)
	if err != nil {
		return "", "", err
	}
	value, _, err = wire.LString(m.body[n:])
	return name, value, err
}

// ReadyForCommand carries the post-command transaction state.
type ReadyForCommand struct {
	TransactionState byte
}

const (
	TxNotInTransaction byte = 'I'
	TxInTransaction    byte = 'T'
	TxInFailedTransaction byte = 'E'
)

func (m ReadyForCommand) Build() []byte {
	b := wire.NewBuilder(tagReadyForCommand)
	b.Uint16(0) // empty headers array
	b.Byte(m.TransactionState)
	return b.Finish()
}

// ErrorResponse is Gel's structured error reply.
type ErrorResponse struct {
	Severity byte
	Code     ErrorCode
	Message  string
}

func (m ErrorResponse) Build() []byte {
	b := wire.NewBuilder(tagErrorResponse)
	b.Byte(m.Severity)
	b.Uint32(uint32(m.Code))
	b.LString(m.Message)
	b.Uint16(0) // empty attributes array
	return b.Finish()
}

func DecodeErrorResponse(frame []byte) (ErrorResponse, error) {
	m, err := decodeMessage(frame, mtErrorResponse)
	if err != nil {
		return ErrorResponse{}, err
	}
	severity := m.body[0]
	code := ErrorCode(wire.Uint32(m.body[1:5]))
	message, _, err := wire.LString(m.body[5:])
	if err != nil {
		return ErrorResponse{}, err
	}
	return ErrorResponse{Severity: severity, Code: code, Message: message}, nil
}

// Error severities.
const (
	SeverityError byte = 120
	SeverityFatal byte = 200
)

// DecodeSASLInitialResponse decodes the client's AuthenticationSaslInitialResponse.
func DecodeSASLInitialResponse(frame []byte) (mechanism string, data []byte, err error) {
	m, err := decodeMessage(frame, mtSASLInitial)
	if err != nil {
		return "", nil, err
	}
	mech, n, err := wire.LString(m.body)
	if err != nil {
		return "", nil, err
	}
	data2, _, err := wire.LString(m.body[n:])
	if err != nil {
		return "", nil, err
	}
	return mech, []byte(data2), nil
}

// BuildSASLInitialResponse encodes the client's AuthenticationSaslInitialResponse.
func BuildSASLInitialResponse(mechanism string, clientFirstMessage []byte) []byte {
	b := wire.NewBuilder(tagSASLInitial).LString(mechanism).LString(string(clientFirstMessage))
	return b.Finish()
}

// DecodeSASLResponse decodes the client's AuthenticationSaslResponse.
func DecodeSASLResponse(frame []byte) ([]byte, error) {
	m, err := decodeMessage(frame, mtSASLResponse)
	if err != nil {
		return nil, err
	}
	s, _, err := wire.LString(m.body)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// BuildSASLResponse encodes the client's AuthenticationSaslResponse.
func BuildSASLResponse(data []byte) []byte {
	return wire.NewBuilder(tagSASLResponse).LString(string(data)).Finish()
}
