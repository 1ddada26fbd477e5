package ids

import (
	"testing"
	"time"
)

func TestNewULID(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	a, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(now.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(a) != 26 || !IsULID(a) {
		t.Fatalf("unexpected ulid %q", a)
	}
	if a >= b {
		t.Fatalf("expected lexicographic order: %s < %s", a, b)
	}
	if IsULID("not-a-ulid") {
		t.Fatalf("IsULID accepted garbage")
	}
}
