package session

import "testing"

func TestResolveGlare(t *testing.T) {
	tests := []struct {
		local, remote string
		want          GlareOutcome
	}{
		{"aaa", "bbb", LocalWins},
		{"bbb", "aaa", RemoteWins},
		{"123", "abc", LocalWins},
		{"abc", "123", RemoteWins},
		{"a", "ab", LocalWins},
	}

	for _, tt := range tests {
		if got := ResolveGlare(tt.local, tt.remote); got != tt.want {
			t.Errorf("ResolveGlare(%q, %q) = %v, want %v", tt.local, tt.remote, got, tt.want)
		}
	}
}

func TestResolveGlareSymmetric(t *testing.T) {
	// Both peers must pick the same surviving offer from the same pair.
	a, b := "4f2c", "9d1e"
	if ResolveGlare(a, b) == LocalWins && ResolveGlare(b, a) == LocalWins {
		t.Fatal("both sides claim the win")
	}
	if ResolveGlare(a, b) == RemoteWins && ResolveGlare(b, a) == RemoteWins {
		t.Fatal("both sides yield")
	}
}
