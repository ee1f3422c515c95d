package auth

import (
	"github.com/gelgate/gelgate/internal/auth/md5auth"
	"github.com/gelgate/gelgate/internal/auth/scram"
)

// CredentialData is the stored representation of one user's credential, as
// looked up from the embedder's credential store. Exactly one of the
// concrete types below is ever in play for a given user.
type CredentialData interface {
	// AuthType reports which AuthType this credential was generated for.
	AuthType() AuthType
}

// TrustCredential always accepts, regardless of input. Incompatible with
// ScramSha256: there is no verifier to cryptographically agree on, so a
// server state machine driven with AuthType ScramSha256 against a
// TrustCredential is a programming error, not a wire-visible auth failure.
type TrustCredential struct{}

func (TrustCredential) AuthType() AuthType { return Trust }

// DenyCredential always rejects. Also used as the stand-in for an unknown
// user: under a ScramSha256 policy the server runs the exchange against
// scram.DummyStoredKey, and under a Plain or Md5 policy the password check
// simply fails.
type DenyCredential struct{}

func (DenyCredential) AuthType() AuthType { return Deny }

// PlainCredential stores the password in the clear. Compatible with every
// server AuthType (the server can always derive what it needs from a known
// plaintext password).
type PlainCredential struct {
	Password string
}

func (PlainCredential) AuthType() AuthType { return Plain }

// MD5Credential stores a PostgreSQL-style salted MD5 digest.
type MD5Credential struct {
	Stored md5auth.StoredHash
}

func (MD5Credential) AuthType() AuthType { return Md5 }

// ScramCredential stores a SCRAM-SHA-256 verifier.
type ScramCredential struct {
	Stored scram.StoredKey
}

func (ScramCredential) AuthType() AuthType { return ScramSha256 }

// NewCredentialData deterministically derives the stored form of a
// credential for (authType, username, password):
//   - Md5 uses the username as salt input to the inner digest.
//   - ScramSha256 generates a random 32-byte salt and uses 4096 iterations.
func NewCredentialData(authType AuthType, username, password string) CredentialData {
	switch authType {
	case Deny:
		return DenyCredential{}
	case Trust:
		return TrustCredential{}
	case Plain:
		return PlainCredential{Password: password}
	case Md5:
		return MD5Credential{Stored: md5auth.Generate([]byte(password), username)}
	case ScramSha256:
		salt, err := scram.NewSalt()
		if err != nil {
			// crypto/rand failure is unrecoverable for the process; the
			// caller cannot meaningfully proceed with a zero salt, so we
			// panic rather than silently hand out a predictable credential.
			panic("auth: failed to generate SCRAM salt: " + err.Error())
		}
		return ScramCredential{Stored: scram.Generate([]byte(password), salt, scram.DefaultIterations)}
	default:
		return DenyCredential{}
	}
}
