// Package scram implements the client and server halves of SASL
// SCRAM-SHA-256 (RFC 5802), as used by both the PostgreSQL and Gel wire
// protocols. Channel binding is declared in the gs2 header ("n,,") but never
// used, per spec.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/xdg-go/stringprep"
	"golang.org/x/crypto/pbkdf2"
)

// Mechanism is the SASL mechanism name advertised and negotiated by both protocols.
const Mechanism = "SCRAM-SHA-256"

const DefaultIterations = 4096

// StoredKey is the credential-store representation of a SCRAM-SHA-256
// verifier: everything the server needs to run the exchange without ever
// holding the plaintext password again.
type StoredKey struct {
	StoredKey  [32]byte
	ServerKey  [32]byte
	Salt       []byte
	Iterations int
}

// saltedPassword derives PBKDF2-HMAC-SHA-256(SASLprep(password), salt, iterations, 32).
func saltedPassword(password string, salt []byte, iterations int) []byte {
	norm := normalizePassword(password)
	return pbkdf2.Key([]byte(norm), salt, iterations, 32, sha256.New)
}

// Generate derives a StoredKey from a plaintext password, a salt (normally
// random; see NewSalt), and an iteration count.
func Generate(password []byte, salt []byte, iterations int) StoredKey {
	salted := saltedPassword(string(password), salt, iterations)

	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(salted, []byte("Server Key"))

	var sk, svk [32]byte
	copy(sk[:], storedKey[:])
	copy(svk[:], serverKey)

	return StoredKey{
		StoredKey:  sk,
		ServerKey:  svk,
		Salt:       append([]byte{}, salt...),
		Iterations: iterations,
	}
}

// NewSalt generates a cryptographically random 32-byte salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating SCRAM salt: %w", err)
	}
	return salt, nil
}

// normalizePassword applies RFC 4013 SASLprep to password, falling back to
// the raw UTF-8 bytes if the password doesn't fit the profile. This is a
// deliberate compatibility quirk: real-world passwords sometimes contain
// characters SASLprep rejects (unassigned code points, certain bidi
// combinations), and the reference client/server this was ported from
// authenticates successfully in that case rather than failing closed. Do not
// "fix" this without an explicit protocol-version decision.
func normalizePassword(password string) string {
	prepped, err := stringprep.SASLprep.Prepare(password)
	if err != nil {
		return password
	}
	return prepped
}

// escapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802 §5.1.
func escapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

// clientNonce generates 18 random bytes, base64-encoded.
func clientNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating SCRAM nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// clientFirstMessageBare builds "n=<user>,r=<nonce>".
func clientFirstMessageBare(user, nonce string) string {
	return fmt.Sprintf("n=%s,r=%s", escapeUsername(user), nonce)
}

// serverFirstMessage builds "r=<nonce>,s=<salt>,i=<iterations>".
func serverFirstMessage(nonce string, salt []byte, iterations int) string {
	return fmt.Sprintf("r=%s,s=%s,i=%d", nonce, base64.StdEncoding.EncodeToString(salt), iterations)
}

// parseServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>".
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("parsing iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations <= 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// clientFinalWithoutProof builds "c=<base64(gs2-header)>,r=<nonce>". Channel
// binding is advertised as "n,," (none) and never anything else.
func clientFinalWithoutProof(nonce string) string {
	return "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header)) + ",r=" + nonce
}

// parseClientFinal parses "c=...,r=<nonce>,p=<base64(proof)>".
func parseClientFinal(msg string) (channelBinding string, nonce string, proof []byte, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "c="):
			channelBinding = part[2:]
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "p="):
			proof, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", "", nil, fmt.Errorf("decoding client proof: %w", err)
			}
		}
	}
	if nonce == "" || proof == nil {
		return "", "", nil, fmt.Errorf("incomplete client-final-message: %q", msg)
	}
	return channelBinding, nonce, proof, nil
}

// parseClientFirst parses the client-first-message-bare portion ("n=<user>,r=<nonce>")
// after the gs2 header has been stripped by the caller.
func parseClientFirst(bare string) (user string, nonce string, err error) {
	for _, part := range strings.Split(bare, ",") {
		switch {
		case strings.HasPrefix(part, "n="):
			user = unescapeUsername(part[2:])
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		}
	}
	if nonce == "" {
		return "", "", fmt.Errorf("incomplete client-first-message: %q", bare)
	}
	return user, nonce, nil
}

func unescapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=2C", ",")
	user = strings.ReplaceAll(user, "=3D", "=")
	return user
}

const gs2Header = "n,,"

func encodeGS2() string {
	return base64.StdEncoding.EncodeToString([]byte(gs2Header))
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// stripGS2Header removes the gs2-header from a client-first-message and
// returns the bare remainder. Only "n,," (no
// channel binding) is accepted; anything else is a protocol violation since
// this implementation never advertises channel binding support.
func stripGS2Header(msg string) (bare string, err error) {
	if strings.HasPrefix(msg, "n,,") {
		return msg[3:], nil
	}
	return "", fmt.Errorf("unsupported gs2-header in client-first-message: %q", msg)
}
