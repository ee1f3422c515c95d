package scram

import "strings"

// ClientConversation drives the client side of a SCRAM-SHA-256 exchange.
// Used by internal/pgproto.ClientState when dialing out to a PostgreSQL-
// speaking backend as a client.
type ClientConversation struct {
	user     string
	password string

	nonce           string
	clientFirstBare string
	serverFirst     string
	saltedPassword  []byte
	authMessage     string
}

// NewClient creates a client conversation for the given user/password.
func NewClient(user, password string) *ClientConversation {
	return &ClientConversation{user: user, password: password}
}

// ClientFirstMessage builds the gs2-header-prefixed client-first-message.
func (c *ClientConversation) ClientFirstMessage() (string, error) {
	nonce, err := clientNonce()
	if err != nil {
		return "", err
	}
	c.nonce = nonce
	c.clientFirstBare = clientFirstMessageBare(c.user, nonce)
	return gs2Header + c.clientFirstBare, nil
}

// ClientFinalMessage consumes the server-first-message and returns the
// client-final-message (including the proof).
func (c *ClientConversation) ClientFinalMessage(serverFirstMessage string) (string, error) {
	if c.clientFirstBare == "" {
		return "", errorf("ClientFinalMessage called before ClientFirstMessage")
	}

	serverNonce, salt, iterations, err := parseServerFirst(serverFirstMessage)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(serverNonce, c.nonce) {
		return "", errorf("server nonce does not start with client nonce")
	}
	c.serverFirst = serverFirstMessage

	c.saltedPassword = saltedPassword(c.password, salt, iterations)

	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	withoutProof := clientFinalWithoutProof(serverNonce)
	c.authMessage = strings.Join([]string{c.clientFirstBare, c.serverFirst, withoutProof}, ",")

	clientSignature := hmacSHA256(storedKey, []byte(c.authMessage))
	proof := xorBytes(clientKey, clientSignature)

	return withoutProof + ",p=" + encodeBase64(proof), nil
}

// VerifyServerFinal checks the server's "v=<signature>" (or "e=<error>")
// message against the expected server signature computed from the salted
// password derived in ClientFinalMessage.
func (c *ClientConversation) VerifyServerFinal(serverFinalMessage string) error {
	if strings.HasPrefix(serverFinalMessage, "e=") {
		return errorf("server reported SCRAM error: %s", serverFinalMessage[2:])
	}
	if !strings.HasPrefix(serverFinalMessage, "v=") {
		return errorf("malformed server-final-message: %q", serverFinalMessage)
	}

	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	expected := hmacSHA256(serverKey, []byte(c.authMessage))
	if serverFinalMessage[2:] != encodeBase64(expected) {
		return errorf("server signature mismatch")
	}
	return nil
}
