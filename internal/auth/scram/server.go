package scram

import (
	"crypto/sha256"
	"strings"
)

// ServerConversation drives the server side of a SCRAM-SHA-256 exchange. It
// performs no I/O: callers feed it the client's messages and get back the
// bytes to send, so it can be embedded directly inside a sans-I/O protocol
// state machine (internal/pgproto, internal/gelproto).
type ServerConversation struct {
	stored StoredKey

	clientFirstBare string
	combinedNonce   string
	serverFirst     string
	user            string
	done            bool
}

// NewServer creates a server conversation against a stored verifier. Use
// DummyStoredKey (see dummy.go) when the credential is unknown, to keep
// response timing and shape indistinguishable from a real user.
func NewServer(stored StoredKey) *ServerConversation {
	return &ServerConversation{stored: stored}
}

// Step1 consumes the client-first-message (including its gs2 header) and
// returns the server-first-message to send back.
func (c *ServerConversation) Step1(clientFirstMessage string) (string, error) {
	bare, err := stripGS2Header(clientFirstMessage)
	if err != nil {
		return "", err
	}
	user, nonce, err := parseClientFirst(bare)
	if err != nil {
		return "", err
	}

	serverNonce, err := clientNonce()
	if err != nil {
		return "", err
	}

	c.user = user
	c.clientFirstBare = bare
	c.combinedNonce = nonce + serverNonce
	c.serverFirst = serverFirstMessage(c.combinedNonce, c.stored.Salt, c.stored.Iterations)
	return c.serverFirst, nil
}

// Step2 consumes the client-final-message and returns the server-final
// message on success, or an *Error if the proof doesn't verify. A non-nil
// error here always means "authentication failed" — callers must not relay
// Error.Error() to the wire verbatim; fold it into the protocol's single
// undifferentiated auth failure instead.
func (c *ServerConversation) Step2(clientFinalMessage string) (string, error) {
	if c.serverFirst == "" {
		return "", errorf("Step2 called before Step1")
	}

	channelBinding, nonce, proof, err := parseClientFinal(clientFinalMessage)
	if err != nil {
		return "", err
	}
	if nonce != c.combinedNonce {
		return "", errorf("client final nonce does not match combined nonce")
	}
	if channelBinding != encodeGS2() {
		return "", errorf("unexpected channel-binding value")
	}

	authMessage := c.authMessage(nonce)
	clientSignature := hmacSHA256(c.stored.StoredKey[:], []byte(authMessage))
	clientKey := xorBytes(proof, clientSignature)
	candidate := sha256.Sum256(clientKey)

	if !constantTimeEqual(candidate[:], c.stored.StoredKey[:]) {
		return "", errorf("client proof does not verify against stored key")
	}

	c.done = true
	serverSignature := hmacSHA256(c.stored.ServerKey[:], []byte(authMessage))
	return "v=" + encodeBase64(serverSignature), nil
}

// User returns the username the client presented in its first message.
func (c *ServerConversation) User() string { return c.user }

// Done reports whether the exchange completed successfully.
func (c *ServerConversation) Done() bool { return c.done }

func (c *ServerConversation) authMessage(nonce string) string {
	return strings.Join([]string{c.clientFirstBare, c.serverFirst, clientFinalWithoutProof(nonce)}, ",")
}
