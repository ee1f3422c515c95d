package auth

import "fmt"

// BranchDB is the resolved "which database/branch" half of a ConnectionIdentity.
// Exactly one of Branch, DB (legacy Gel database name), or PGDB (PostgreSQL
// database name) is set.
type BranchDB struct {
	kind  branchDBKind
	value string
}

type branchDBKind int

const (
	branchDBUnset branchDBKind = iota
	branchDBBranch
	branchDBLegacyDB
	branchDBPG
)

func BranchOf(name string) BranchDB { return BranchDB{kind: branchDBBranch, value: name} }
func DBOf(name string) BranchDB     { return BranchDB{kind: branchDBLegacyDB, value: name} }
func PGDBOf(name string) BranchDB   { return BranchDB{kind: branchDBPG, value: name} }

// IsSet reports whether any database/branch has been recorded.
func (b BranchDB) IsSet() bool { return b.kind != branchDBUnset }

// Name returns the bare database/branch name, regardless of which kind it is.
func (b BranchDB) Name() string { return b.value }

// IsBranch, IsDB, IsPGDB report which variant this value holds.
func (b BranchDB) IsBranch() bool { return b.kind == branchDBBranch }
func (b BranchDB) IsDB() bool     { return b.kind == branchDBLegacyDB }
func (b BranchDB) IsPGDB() bool   { return b.kind == branchDBPG }

func (b BranchDB) String() string {
	switch b.kind {
	case branchDBBranch:
		return fmt.Sprintf("Branch(%s)", b.value)
	case branchDBLegacyDB:
		return fmt.Sprintf("DB(%s)", b.value)
	case branchDBPG:
		return fmt.Sprintf("PGDB(%s)", b.value)
	default:
		return "Unset"
	}
}

// PartialIdentity is the pre-authentication identity available at the
// moment the driver calls the embedder's credential lookup: whatever the
// client's handshake claimed, unverified. It is deliberately a plain
// struct rather than IdentityBuilder's accumulation type, since a lookup
// happens exactly once per connection with everything the handshake
// parameters gave it already in hand.
type PartialIdentity struct {
	Tenant *string
	DB     BranchDB
	User   string
}

// Identity is the resolved (tenant?, db, user) triple that the embedder's
// service routes on. It is frozen at the transition out of auth and must
// never be re-derived afterward.
type Identity struct {
	Tenant *string
	DB     BranchDB
	User   string
}

// IdentityBuilder accumulates identity fields across a handshake. It is
// monotonic: once a branch has been set, SetDatabase calls
// are ignored; SetPGDatabase calls always replace whatever database/branch
// value is currently set. A single builder belongs to exactly one
// connection and is not safe for concurrent use.
type IdentityBuilder struct {
	tenant *string
	db     BranchDB
	user   string
}

// NewIdentityBuilder creates an empty builder.
func NewIdentityBuilder() *IdentityBuilder {
	return &IdentityBuilder{}
}

// SetTenant records the tenant, if the embedder's transport resolved one
// (e.g. from SNI or a startup parameter). Optional; Build succeeds without it.
func (b *IdentityBuilder) SetTenant(tenant string) *IdentityBuilder {
	t := tenant
	b.tenant = &t
	return b
}

// SetBranch records a Gel branch name. Once set, SetDatabase is a no-op;
// SetPGDatabase still replaces it (a PG connection on the same builder
// means the branch concept doesn't apply).
func (b *IdentityBuilder) SetBranch(branch string) *IdentityBuilder {
	b.db = BranchOf(branch)
	return b
}

// SetDatabase records a legacy Gel database name. Ignored once a branch has
// already been set.
func (b *IdentityBuilder) SetDatabase(db string) *IdentityBuilder {
	if b.db.IsBranch() {
		return b
	}
	b.db = DBOf(db)
	return b
}

// SetPGDatabase records a PostgreSQL database name, replacing whatever
// branch/database value is currently set.
func (b *IdentityBuilder) SetPGDatabase(db string) *IdentityBuilder {
	b.db = PGDBOf(db)
	return b
}

// SetUser records the authenticated username.
func (b *IdentityBuilder) SetUser(user string) *IdentityBuilder {
	b.user = user
	return b
}

// Build finalizes the identity. It fails if user or database/branch is
// missing — both are required to route a handed-off stream.
func (b *IdentityBuilder) Build() (Identity, error) {
	if b.user == "" {
		return Identity{}, fmt.Errorf("auth: identity missing user")
	}
	if !b.db.IsSet() {
		return Identity{}, fmt.Errorf("auth: identity missing database")
	}
	return Identity{Tenant: b.tenant, DB: b.db, User: b.user}, nil
}
