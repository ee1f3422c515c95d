// Package auth holds the credential model and connection identity shared by
// the PostgreSQL and Gel server state machines: AuthType policy, the typed
// CredentialData variants (Trust/Deny/Plain/Md5/Scram), and the monotonic
// identity builder that both protocols populate during startup.
package auth

import "fmt"

// AuthType selects which authentication method a server drives for an
// incoming connection. The zero value is Deny: an unconfigured server
// rejects everyone rather than trusting them by accident.
type AuthType int

const (
	Deny AuthType = iota
	Trust
	Plain
	Md5
	ScramSha256
)

func (t AuthType) String() string {
	switch t {
	case Deny:
		return "Deny"
	case Trust:
		return "Trust"
	case Plain:
		return "Plain"
	case Md5:
		return "Md5"
	case ScramSha256:
		return "ScramSha256"
	default:
		return fmt.Sprintf("AuthType(%d)", int(t))
	}
}

// SslRequirement governs whether a server accepts, requires, or rejects an
// SSL/TLS upgrade request on a connection.
type SslRequirement int

const (
	Disable SslRequirement = iota
	Optional
	Required
)

func (r SslRequirement) String() string {
	switch r {
	case Disable:
		return "Disable"
	case Optional:
		return "Optional"
	case Required:
		return "Required"
	default:
		return fmt.Sprintf("SslRequirement(%d)", int(r))
	}
}

// Credentials is the connection request presented by a client dialing out
// (used by the PG client state machine, internal/pgproto.ClientState).
type Credentials struct {
	Username       string
	Password       string
	Database       string
	ServerSettings map[string]string
}
