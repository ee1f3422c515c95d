package auth

import "testing"

func TestNewCredentialDataAuthTypeRoundTrip(t *testing.T) {
	for _, at := range []AuthType{Deny, Trust, Plain, Md5, ScramSha256} {
		cred := NewCredentialData(at, "user", "password")
		if cred.AuthType() != at {
			t.Errorf("NewCredentialData(%v).AuthType() = %v, want %v", at, cred.AuthType(), at)
		}
	}
}

func TestIdentityBuilderMonotonicBranch(t *testing.T) {
	b := NewIdentityBuilder().SetUser("u").SetBranch("main").SetDatabase("ignored")
	id, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !id.DB.IsBranch() || id.DB.Name() != "main" {
		t.Fatalf("expected branch 'main' to survive SetDatabase, got %v", id.DB)
	}
}

func TestIdentityBuilderPGDatabaseReplaces(t *testing.T) {
	b := NewIdentityBuilder().SetUser("u").SetBranch("main").SetPGDatabase("postgres")
	id, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !id.DB.IsPGDB() || id.DB.Name() != "postgres" {
		t.Fatalf("expected SetPGDatabase to replace branch, got %v", id.DB)
	}
}

func TestIdentityBuilderRequiresUserAndDB(t *testing.T) {
	if _, err := NewIdentityBuilder().Build(); err == nil {
		t.Fatalf("expected error building identity with no fields set")
	}
	if _, err := NewIdentityBuilder().SetUser("u").Build(); err == nil {
		t.Fatalf("expected error building identity with no database/branch")
	}
}
