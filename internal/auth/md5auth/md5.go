// Package md5auth implements PostgreSQL's salted MD5 password scheme:
// hash = hex(md5(hex(md5(password||username)) || salt))
package md5auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// StoredHash is the credential-store representation of an MD5 credential.
// InnerDigest is md5(password||username) — PostgreSQL's way of binding the
// digest to a particular user so the same password hashes differently for
// different usernames. Salt is generated once, at creation time, and is not
// a security-sensitive value: the live per-connection challenge salt that
// the server actually sends over the wire is always freshly random
// (see Challenge), never this stored one. It is kept alongside the digest
// purely as part of the stored record, for parity with how it was derived
// and for administrative inspection.
type StoredHash struct {
	InnerDigest [16]byte
	Salt        [4]byte
}

// Generate derives the stored form for a (password, username) pair.
func Generate(password []byte, username string) StoredHash {
	inner := md5.Sum(append(append([]byte{}, password...), username...))

	var salt [4]byte
	_, _ = rand.Read(salt[:])

	return StoredHash{InnerDigest: inner, Salt: salt}
}

// InnerHex returns the 32-character hex form of the inner digest, which is
// what gets combined with a connection's challenge salt.
func (h StoredHash) InnerHex() string {
	return hex.EncodeToString(h.InnerDigest[:])
}

// Challenge generates a fresh, random 4-byte salt for one authentication
// attempt. PostgreSQL's AuthenticationMD5Password message always carries a
// freshly generated salt — reusing the stored salt would let an observer who
// recorded one exchange replay the derived digest indefinitely.
func Challenge() ([4]byte, error) {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("generating md5 challenge salt: %w", err)
	}
	return salt, nil
}

// Expected computes the digest a client must present for a given challenge
// salt: md5(hex(innerDigest) || salt), hex-encoded.
func Expected(stored StoredHash, salt [4]byte) string {
	outer := md5.Sum(append([]byte(stored.InnerHex()), salt[:]...))
	return hex.EncodeToString(outer[:])
}

// ClientResponse computes the "md5"-prefixed PasswordMessage payload a
// client sends in response to a given challenge salt. Exposed for the PG
// client state machine (internal/pgproto.ClientState).
func ClientResponse(password, username string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + username))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}

// Verify reports whether candidate (the hex digest following the "md5"
// prefix stripped by the caller) matches the expected digest for salt.
func Verify(stored StoredHash, salt [4]byte, candidateHex string) bool {
	return candidateHex == Expected(stored, salt)
}
