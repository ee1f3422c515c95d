package scram

import (
	"crypto/hmac"
	"crypto/sha256"
)

// dummySecret keys the deterministic synthetic salts used for unknown users:
// the unknown-user path must still perform a full SCRAM exchange to avoid an
// observable timing oracle. It is not a credential secret — it only needs to
// make the synthetic salt stable per-username and indistinguishable in shape
// from a real one, not to protect anything.
var dummySecret = []byte("gelgate-scram-dummy-salt-v1")

// DummyStoredKey synthesizes a StoredKey for a username that has no real
// credential on file. The salt is derived deterministically from the
// username so repeated connection attempts for the same nonexistent user
// see the same salt/iteration shape a real user would — callers must run
// the full exchange against it rather than short-circuiting, so that an
// observer cannot distinguish "unknown user" from "wrong password" by
// timing or response shape.
func DummyStoredKey(username string) StoredKey {
	mac := hmac.New(sha256.New, dummySecret)
	mac.Write([]byte(username))
	salt := mac.Sum(nil)

	// The "password" behind a dummy credential is never known to anyone;
	// any fixed value works; the point is an internally-consistent
	// StoredKey that the exchange can run against and always reject.
	return Generate(salt, salt, DefaultIterations)
}
