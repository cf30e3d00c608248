package schedule

import "testing"

func TestBlockSetStringRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"A", "A"},
		{"eca", "ACE"},
		{"GGA", "AG"},
	}
	for _, tt := range tests {
		set, err := ParseBlockSet(tt.in)
		if err != nil {
			t.Fatalf("ParseBlockSet(%q): %v", tt.in, err)
		}
		if got := set.String(); got != tt.want {
			t.Errorf("ParseBlockSet(%q).String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseBlockSetRejectsUnknownLetters(t *testing.T) {
	if _, err := ParseBlockSet("AH"); err == nil {
		t.Fatal("expected error for block H")
	}
}

func TestBlockSetMembership(t *testing.T) {
	s := SetOf('A', 'C')
	if !s.Has('A') || !s.Has('C') || s.Has('B') {
		t.Fatalf("unexpected membership for %s", s)
	}
	s = s.Remove('A')
	if s.Has('A') {
		t.Fatal("Remove did not clear A")
	}
	if got := s.Union(SetOf('G')).String(); got != "CG" {
		t.Fatalf("Union = %q", got)
	}
	if s.Add('Z') != s {
		t.Fatal("adding an invalid block must be a no-op")
	}
}
