package schedule

import (
	"fmt"
	"strings"
)

// Letters lists every block tag in schedule order.
const Letters = "ABCDEFG"

// Block is a single-letter attendance window tag, 'A' through 'G'.
type Block byte

// ParseBlock accepts a one-letter tag, case-insensitively.
func ParseBlock(s string) (Block, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("invalid block %q", s)
	}
	b := Block(strings.ToUpper(s)[0])
	if !b.Valid() {
		return 0, fmt.Errorf("invalid block %q", s)
	}
	return b, nil
}

// Valid reports whether b is one of Letters.
func (b Block) Valid() bool { return b >= 'A' && b <= 'G' }

func (b Block) String() string { return string(rune(b)) }

func (b Block) bit() BlockSet { return 1 << (b - 'A') }

// BlockSet is a set of blocks stored as a 7-bit mask. The persisted form
// is the ordered letter string returned by String.
type BlockSet uint8

// SetOf builds a set from the given blocks.
func SetOf(blocks ...Block) BlockSet {
	var s BlockSet
	for _, b := range blocks {
		s = s.Add(b)
	}
	return s
}

// ParseBlockSet parses the compact letter form, e.g. "ACE". The empty
// string is the empty set.
func ParseBlockSet(s string) (BlockSet, error) {
	var set BlockSet
	for _, r := range s {
		b, err := ParseBlock(string(r))
		if err != nil {
			return 0, err
		}
		set = set.Add(b)
	}
	return set, nil
}

func (s BlockSet) Has(b Block) bool {
	return b.Valid() && s&b.bit() != 0
}

func (s BlockSet) Add(b Block) BlockSet {
	if !b.Valid() {
		return s
	}
	return s | b.bit()
}

func (s BlockSet) Remove(b Block) BlockSet {
	if !b.Valid() {
		return s
	}
	return s &^ b.bit()
}

func (s BlockSet) Union(o BlockSet) BlockSet { return s | o }

func (s BlockSet) Empty() bool { return s == 0 }

// Blocks returns the members in schedule order.
func (s BlockSet) Blocks() []Block {
	var out []Block
	for i := 0; i < len(Letters); i++ {
		b := Block(Letters[i])
		if s.Has(b) {
			out = append(out, b)
		}
	}
	return out
}

func (s BlockSet) String() string {
	var sb strings.Builder
	for _, b := range s.Blocks() {
		sb.WriteByte(byte(b))
	}
	return sb.String()
}
