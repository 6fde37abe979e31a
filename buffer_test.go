package vboot

import (
	"testing"
)

func TestCheckParentRegion(t *testing.T) {
	if err := CheckParentRegion(100, 100); err != nil {
		t.Fatalf("valid parent region rejected: %s", err)
	}

	if err := CheckParentRegion(^uint64(0), 2); err != ErrParentWraps {
		t.Fatalf("wrapping parent not detected: %v", err)
	}
}

func TestCheckMember(t *testing.T) {
	if err := CheckMember(100, 10, 20); err != nil {
		t.Fatalf("valid member rejected: %s", err)
	}

	if err := CheckMember(100, 90, 20); err != ErrMemberOutsideParent {
		t.Fatalf("out-of-parent member not detected: %v", err)
	}

	if err := CheckMember(100, ^uint64(0), 2); err != ErrMemberWraps {
		t.Fatalf("wrapping member not detected: %v", err)
	}

	// A zero-size member at the very end is inside.
	if err := CheckMember(100, 100, 0); err != nil {
		t.Fatalf("empty member at end rejected: %s", err)
	}
}

func TestCheckData(t *testing.T) {
	cases := []struct {
		name string

		parentSize   uint64
		memberOffset uint64
		memberSize   uint64
		dataOffset   uint64
		dataSize     uint64

		expected error
	}{
		{"ok", 100, 0, 32, 32, 60, nil},
		{"ok-empty-data", 100, 0, 32, 32, 0, nil},
		{"member-outside", 100, 90, 32, 32, 0, ErrMemberOutsideParent},
		{"member-wraps", 100, ^uint64(0) - 1, 32, 0, 0, ErrMemberWraps},
		{"data-outside", 100, 0, 32, 90, 20, ErrDataOutsideParent},
		{"data-wraps-start", 100, 8, 32, ^uint64(0) - 4, 2, ErrDataWraps},
		{"data-wraps-end", 100, 0, 32, 32, ^uint64(0) - 16, ErrDataWraps},
		{"data-overlaps-member", 100, 0, 32, 16, 10, ErrDataOverlapsMember},
		{"data-overlaps-at-start", 100, 10, 32, 0, 4, ErrDataOverlapsMember},
	}

	for _, c := range cases {
		err := CheckData(c.parentSize, c.memberOffset, c.memberSize, c.dataOffset, c.dataSize)
		if err != c.expected {
			t.Fatalf("case [%s]: got [%v], expected [%v]", c.name, err, c.expected)
		}
	}
}

func TestSafeMemcmp(t *testing.T) {
	if SafeMemcmp([]byte{1, 2, 3}, []byte{1, 2, 3}) != true {
		t.Fatalf("equal slices not equal")
	}

	if SafeMemcmp([]byte{1, 2, 3}, []byte{0, 2, 3}) != false {
		t.Fatalf("first-byte difference not detected")
	}

	if SafeMemcmp([]byte{1, 2, 3}, []byte{1, 2, 4}) != false {
		t.Fatalf("last-byte difference not detected")
	}

	if SafeMemcmp([]byte{1, 2, 3}, []byte{1, 2}) != false {
		t.Fatalf("length difference not detected")
	}

	if SafeMemcmp(nil, nil) != true {
		t.Fatalf("empty slices not equal")
	}
}
