package scram

import "testing"

func TestClientServerRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	stored := Generate([]byte("correct horse"), salt, DefaultIterations)

	client := NewClient("u", "correct horse")
	server := NewServer(stored)

	first, err := client.ClientFirstMessage()
	if err != nil {
		t.Fatalf("ClientFirstMessage: %v", err)
	}

	serverFirst, err := server.Step1(first)
	if err != nil {
		t.Fatalf("server Step1: %v", err)
	}

	final, err := client.ClientFinalMessage(serverFirst)
	if err != nil {
		t.Fatalf("ClientFinalMessage: %v", err)
	}

	serverFinal, err := server.Step2(final)
	if err != nil {
		t.Fatalf("server Step2: %v", err)
	}
	if !server.Done() {
		t.Fatalf("server conversation should be done")
	}

	if err := client.VerifyServerFinal(serverFinal); err != nil {
		t.Fatalf("VerifyServerFinal: %v", err)
	}
}

func TestWrongPasswordFails(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	stored := Generate([]byte("correct"), salt, DefaultIterations)

	client := NewClient("u", "incorrect")
	server := NewServer(stored)

	first, err := client.ClientFirstMessage()
	if err != nil {
		t.Fatalf("ClientFirstMessage: %v", err)
	}
	serverFirst, err := server.Step1(first)
	if err != nil {
		t.Fatalf("server Step1: %v", err)
	}
	final, err := client.ClientFinalMessage(serverFirst)
	if err != nil {
		t.Fatalf("ClientFinalMessage: %v", err)
	}
	if _, err := server.Step2(final); err == nil {
		t.Fatalf("expected Step2 to fail for wrong password")
	}
}

func TestDummyStoredKeyIsDeterministicAndRunnable(t *testing.T) {
	a := DummyStoredKey("nosuchuser")
	b := DummyStoredKey("nosuchuser")
	if a.StoredKey != b.StoredKey || string(a.Salt) != string(b.Salt) {
		t.Fatalf("DummyStoredKey must be deterministic per username")
	}

	client := NewClient("nosuchuser", "whatever")
	server := NewServer(a)

	first, err := client.ClientFirstMessage()
	if err != nil {
		t.Fatalf("ClientFirstMessage: %v", err)
	}
	serverFirst, err := server.Step1(first)
	if err != nil {
		t.Fatalf("server Step1: %v", err)
	}
	final, err := client.ClientFinalMessage(serverFirst)
	if err != nil {
		t.Fatalf("ClientFinalMessage: %v", err)
	}
	if _, err := server.Step2(final); err == nil {
		t.Fatalf("dummy credential must never authenticate successfully")
	}
}

func TestNormalizePasswordFallsBackOnInvalidProfile(t *testing.T) {
	// A lone unassigned/prohibited code point is rejected by SASLprep; the
	// implementation must fall back to the raw bytes rather than erroring.
	got := normalizePassword("password")
	if got != "password" {
		t.Fatalf("expected fallback to raw bytes, got %q", got)
	}
}
