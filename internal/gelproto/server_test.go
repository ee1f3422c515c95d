package gelproto

import (
	"testing"

	"github.com/gelgate/gelgate/internal/auth"
	"github.com/gelgate/gelgate/internal/auth/scram"
)

type harness struct {
	events []ServerEvent
}

func (h *harness) sink(e ServerEvent) error {
	h.events = append(h.events, e)
	return nil
}

func (h *harness) sends() [][]byte {
	var out [][]byte
	for _, e := range h.events {
		if e.Kind == EventSend {
			out = append(out, e.Bytes)
		}
	}
	return out
}

func (h *harness) lastErr() *ServerEvent {
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Kind == EventServerError {
			return &h.events[i]
		}
	}
	return nil
}

func handshakeFrame(user, database string, major, minor uint16) []byte {
	return BuildClientHandshake(ClientHandshake{
		MajorVer: major, MinorVer: minor,
		Params:     map[string]string{"user": user, "database": database},
		Extensions: map[string]string{},
	})
}

func TestVersionMismatchClosesWithoutReady(t *testing.T) {
	s := NewServerState()
	h := &harness{}
	if err := s.Drive(Message(handshakeFrame("nora", "db", 99, 0)), h.sink); err != nil {
		t.Fatalf("Message: %v", err)
	}
	sends := h.sends()
	if len(sends) != 1 {
		t.Fatalf("expected exactly 1 send (ServerHandshake), got %d", len(sends))
	}
	hs, err := DecodeServerHandshake(sends[0])
	if err != nil {
		t.Fatalf("DecodeServerHandshake: %v", err)
	}
	if hs.MajorVer != ProtocolMajor || hs.MinorVer != ProtocolMinor {
		t.Fatalf("expected server's own version %d.%d, got %d.%d", ProtocolMajor, ProtocolMinor, hs.MajorVer, hs.MinorVer)
	}
	if !s.Done() || s.stageName() != "Closed" {
		t.Fatalf("expected terminal Closed stage, got %s (done=%v)", s.stageName(), s.Done())
	}
}

func TestMinorVersionDowngradeAccepted(t *testing.T) {
	s := NewServerState()
	h := &harness{}
	if err := s.Drive(Message(handshakeFrame("nora", "db", ProtocolMajor, ProtocolMinor+5)), h.sink); err != nil {
		t.Fatalf("Message: %v", err)
	}
	sends := h.sends()
	if len(sends) != 1 {
		t.Fatalf("expected a negotiating ServerHandshake, got %d sends", len(sends))
	}
	if s.stageName() != "AwaitingAuthInfo" {
		t.Fatalf("expected handshake to proceed past negotiation, got stage %s", s.stageName())
	}
	var sawWarning bool
	for _, e := range h.events {
		if e.Kind == EventWarning {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Fatalf("expected an EventWarning event on minor-version downgrade")
	}
}

func TestTrustAuthSucceeds(t *testing.T) {
	s := NewServerState()
	h := &harness{}
	_ = s.Drive(Message(handshakeFrame("nora", "db", ProtocolMajor, ProtocolMinor)), h.sink)

	if err := s.Drive(AuthInfo(auth.Trust, auth.TrustCredential{}), h.sink); err != nil {
		t.Fatalf("AuthInfo: %v", err)
	}
	sends := h.sends()
	subtype, _, err := DecodeAuthenticationMessage(sends[len(sends)-1])
	if err != nil || subtype != AuthOK {
		t.Fatalf("expected AuthenticationOk, got subtype=%d err=%v", subtype, err)
	}

	if err := s.Drive(Ready('I'), h.sink); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if !s.Done() || s.stageName() != "Ready" {
		t.Fatalf("expected Ready terminal stage, got %s", s.stageName())
	}
}

func TestDenyAuthFailsWithAuthenticationError(t *testing.T) {
	s := NewServerState()
	h := &harness{}
	_ = s.Drive(Message(handshakeFrame("nora", "db", ProtocolMajor, ProtocolMinor)), h.sink)

	if err := s.Drive(AuthInfo(auth.Deny, auth.DenyCredential{}), h.sink); err != nil {
		t.Fatalf("AuthInfo: %v", err)
	}
	e := h.lastErr()
	if e == nil {
		t.Fatalf("expected a ServerError event")
	}
	pe, ok := e.Err.(*ProtocolError)
	if !ok || pe.Code != AuthenticationError {
		t.Fatalf("expected AuthenticationError, got %v", e.Err)
	}
}

// TestTrustPolicyRejectsDenyCredential covers the Trust×Deny cell of the
// cross-compatibility matrix: a server configured for Trust must still fail
// an unknown user whose lookup returned DenyCredential.
func TestTrustPolicyRejectsDenyCredential(t *testing.T) {
	s := NewServerState()
	h := &harness{}
	_ = s.Drive(Message(handshakeFrame("ghost", "db", ProtocolMajor, ProtocolMinor)), h.sink)

	if err := s.Drive(AuthInfo(auth.Trust, auth.DenyCredential{}), h.sink); err != nil {
		t.Fatalf("AuthInfo: %v", err)
	}
	e := h.lastErr()
	if e == nil {
		t.Fatalf("expected a ServerError event")
	}
	pe, ok := e.Err.(*ProtocolError)
	if !ok || pe.Code != AuthenticationError {
		t.Fatalf("expected AuthenticationError, got %v", e.Err)
	}
	for _, send := range h.sends() {
		if subtype, _, err := DecodeAuthenticationMessage(send); err == nil && subtype == AuthOK {
			t.Fatalf("Trust×Deny must never send AuthenticationOk")
		}
	}
}

// TestScramPolicyRejectsTrustCredentialAsInvalidState covers the other
// incompatible cell: a TrustCredential driven under a SCRAM-only policy is a
// caller programming error, not a wire-visible auth outcome.
func TestScramPolicyRejectsTrustCredentialAsInvalidState(t *testing.T) {
	s := NewServerState()
	h := &harness{}
	_ = s.Drive(Message(handshakeFrame("zoe", "db", ProtocolMajor, ProtocolMinor)), h.sink)

	err := s.Drive(AuthInfo(auth.ScramSha256, auth.TrustCredential{}), h.sink)
	if err == nil {
		t.Fatalf("expected ErrInvalidState, got nil")
	}
	if _, ok := err.(*ErrInvalidState); !ok {
		t.Fatalf("expected *ErrInvalidState, got %T: %v", err, err)
	}
}

func TestScramAuthRoundTrip(t *testing.T) {
	s := NewServerState()
	h := &harness{}
	_ = s.Drive(Message(handshakeFrame("pia", "db", ProtocolMajor, ProtocolMinor)), h.sink)

	cred := auth.NewCredentialData(auth.ScramSha256, "pia", "hunter22")
	if err := s.Drive(AuthInfo(auth.ScramSha256, cred), h.sink); err != nil {
		t.Fatalf("AuthInfo: %v", err)
	}
	sends := h.sends()
	subtype, _, _ := DecodeAuthenticationMessage(sends[len(sends)-1])
	if subtype != AuthSASL {
		t.Fatalf("expected AuthenticationSASL, got %d", subtype)
	}

	client := scram.NewClient("pia", "hunter22")
	clientFirst, err := client.ClientFirstMessage()
	if err != nil {
		t.Fatalf("ClientFirstMessage: %v", err)
	}
	if err := s.Drive(Message(BuildSASLInitialResponse(scram.Mechanism, []byte(clientFirst))), h.sink); err != nil {
		t.Fatalf("Message (initial): %v", err)
	}
	sends = h.sends()
	subtype, serverFirst, _ := DecodeAuthenticationMessage(sends[len(sends)-1])
	if subtype != AuthSASLContinue {
		t.Fatalf("expected AuthenticationSASLContinue, got %d", subtype)
	}

	clientFinal, err := client.ClientFinalMessage(string(serverFirst))
	if err != nil {
		t.Fatalf("ClientFinalMessage: %v", err)
	}
	if err := s.Drive(Message(BuildSASLResponse([]byte(clientFinal))), h.sink); err != nil {
		t.Fatalf("Message (final): %v", err)
	}
	sends = h.sends()
	subtype, serverFinal, _ := DecodeAuthenticationMessage(sends[len(sends)-2])
	if subtype != AuthSASLFinal {
		t.Fatalf("expected AuthenticationSASLFinal, got %d", subtype)
	}
	if err := client.VerifyServerFinal(string(serverFinal)); err != nil {
		t.Fatalf("VerifyServerFinal: %v", err)
	}
	subtype, _, _ = DecodeAuthenticationMessage(sends[len(sends)-1])
	if subtype != AuthOK {
		t.Fatalf("expected AuthenticationOk, got %d", subtype)
	}

	if err := s.Drive(Ready('I'), h.sink); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if s.stageName() != "Ready" {
		t.Fatalf("expected Ready, got %s", s.stageName())
	}
}

func TestScramAuthWrongPasswordFails(t *testing.T) {
	s := NewServerState()
	h := &harness{}
	_ = s.Drive(Message(handshakeFrame("pia", "db", ProtocolMajor, ProtocolMinor)), h.sink)
	cred := auth.NewCredentialData(auth.ScramSha256, "pia", "hunter22")
	_ = s.Drive(AuthInfo(auth.ScramSha256, cred), h.sink)

	client := scram.NewClient("pia", "wrongpass")
	clientFirst, _ := client.ClientFirstMessage()
	_ = s.Drive(Message(BuildSASLInitialResponse(scram.Mechanism, []byte(clientFirst))), h.sink)
	sends := h.sends()
	_, serverFirst, _ := DecodeAuthenticationMessage(sends[len(sends)-1])

	clientFinal, _ := client.ClientFinalMessage(string(serverFirst))
	if err := s.Drive(Message(BuildSASLResponse([]byte(clientFinal))), h.sink); err != nil {
		t.Fatalf("Message (final): %v", err)
	}
	e := h.lastErr()
	if e == nil {
		t.Fatalf("expected failure for wrong SCRAM password")
	}
	pe := e.Err.(*ProtocolError)
	if pe.Code != AuthenticationError {
		t.Fatalf("expected AuthenticationError, got 0x%08x", uint32(pe.Code))
	}
}

func TestMissingUserIsProtocolViolation(t *testing.T) {
	s := NewServerState()
	h := &harness{}
	frame := BuildClientHandshake(ClientHandshake{
		MajorVer: ProtocolMajor, MinorVer: ProtocolMinor,
		Params: map[string]string{"database": "db"}, Extensions: map[string]string{},
	})
	if err := s.Drive(Message(frame), h.sink); err != nil {
		t.Fatalf("Message: %v", err)
	}
	e := h.lastErr()
	if e == nil {
		t.Fatalf("expected protocol violation for missing user")
	}
	pe := e.Err.(*ProtocolError)
	if pe.Code != ProtocolViolation {
		t.Fatalf("expected ProtocolViolation, got 0x%08x", uint32(pe.Code))
	}
}
