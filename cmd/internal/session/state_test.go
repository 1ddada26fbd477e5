package session

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateConnecting, true},
		{StateConnecting, StateAwaitingCredential, true},
		{StateConnecting, StateConnected, true},
		{StateAwaitingCredential, StateConnected, true},
		{StateConnected, StateReconnecting, true},
		{StateReconnecting, StateConnecting, true},
		{StateAwaitingCredential, StateClosed, true},
		{StateConnected, StateClosed, true},

		{StateIdle, StateConnected, false},
		{StateReconnecting, StateConnected, false},
		{StateConnected, StateAwaitingCredential, false},
		{StateClosed, StateConnecting, false},
		{StateClosed, StateClosed, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanonicalizeNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+24105730123", "24105730123", false},
		{" +33612345678 ", "33612345678", false},
		{"+1", "1", false},
		{"+123456789012345", "123456789012345", false},
		{"+1234567890123456", "", true},
		{"+0612345678", "", true},
		{"33612345678", "", true},
		{"+33-612", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := CanonicalizeNumber(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("CanonicalizeNumber(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("CanonicalizeNumber(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := IdentityOf("+33 6-12"); got != "33612" {
		t.Fatalf("IdentityOf: %q", got)
	}
}

func TestFormatPairingCode(t *testing.T) {
	tests := map[string]string{
		"123456789":   "123-456-789",
		"ABCD1234":    "ABCD-1234",
		"ABCD-1234":   "ABCD-1234",
		"123456":      "123-456",
		"1234":        "1234",
		"1234567":     "1234-567",
		" 987654321 ": "987-654-321",
	}
	for in, want := range tests {
		if got := FormatPairingCode(in); got != want {
			t.Fatalf("FormatPairingCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestArtifactExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newCodeArtifact("123456789", now, 120*time.Second)

	if a.Expired(now.Add(119 * time.Second)) {
		t.Fatalf("artifact expired early")
	}
	if !a.Expired(now.Add(120 * time.Second)) {
		t.Fatalf("artifact outlived its TTL")
	}
}

func TestRegistry_CreateGuards(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	s, err := r.Create("1", "o", "room", now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create("1", "o", "room", now); err != ErrAttachInProgress {
		t.Fatalf("expected ErrAttachInProgress, got %v", err)
	}

	s.setState(StateConnecting)
	s.setState(StateConnected)
	if _, err := r.Create("1", "o", "room", now); err != ErrAlreadyConnected {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}

	s.setState(StateClosed)
	fresh, err := r.Create("1", "o", "room", now)
	if err != nil || fresh == s {
		t.Fatalf("closed entry should be replaced: err=%v", err)
	}
	if r.removeSession(s) {
		t.Fatalf("stale session must not remove its replacement")
	}
	if got := r.Remove("1"); got != fresh {
		t.Fatalf("Remove returned %v", got)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}
