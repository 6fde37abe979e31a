// This package implements the core of a verified-boot firmware trust
// pipeline: parsing and validating signed firmware containers, selecting an
// A/B firmware slot, and synchronizing a companion embedded controller.

package vboot

import (
	"errors"
)

// Every offset/size pair that arrives in a firmware image is attacker-
// controlled. Nothing is dereferenced until the region it describes has been
// proven to sit entirely inside its parent. All of the arithmetic below is
// done in uint64 so that sums of 32-bit wire fields can never wrap the
// accumulator itself.

var (
	// ErrParentWraps indicates that the parent region itself wraps the
	// address space.
	ErrParentWraps = errors.New("parent region wraps")

	// ErrMemberWraps indicates that the member header region wraps.
	ErrMemberWraps = errors.New("member region wraps")

	// ErrMemberOutsideParent indicates that the member header region does
	// not fit inside the parent.
	ErrMemberOutsideParent = errors.New("member region outside parent")

	// ErrDataWraps indicates that the member's payload region wraps.
	ErrDataWraps = errors.New("member data wraps")

	// ErrDataOutsideParent indicates that the member's payload region does
	// not fit inside the parent.
	ErrDataOutsideParent = errors.New("member data outside parent")

	// ErrDataOverlapsMember indicates that the member's payload region
	// overlaps the member header.
	ErrDataOverlapsMember = errors.New("member data overlaps member header")
)

// CheckParentRegion validates that an absolute region (base, size) does not
// wrap. This is used for regions addressed by absolute offset, like the GBB
// inside a flash image.
func CheckParentRegion(base, size uint64) error {
	if base+size < base {
		return ErrParentWraps
	}

	return nil
}

// CheckMember validates that the member header at
// [memberOffset, memberOffset+memberSize) lies entirely inside a parent of
// parentSize bytes.
func CheckMember(parentSize, memberOffset, memberSize uint64) error {
	memberEnd := memberOffset + memberSize
	if memberEnd < memberOffset {
		return ErrMemberWraps
	}

	if memberEnd > parentSize {
		return ErrMemberOutsideParent
	}

	return nil
}

// CheckData validates both the member header at
// [memberOffset, memberOffset+memberSize) and the member's payload at
// [memberOffset+dataOffset, +dataSize). The payload must lie inside the
// parent and must not overlap the member header. A zero-length payload never
// overlaps anything.
func CheckData(parentSize, memberOffset, memberSize, dataOffset, dataSize uint64) error {
	err := CheckMember(parentSize, memberOffset, memberSize)
	if err != nil {
		return err
	}

	dataStart := memberOffset + dataOffset
	if dataStart < memberOffset {
		return ErrDataWraps
	}

	dataEnd := dataStart + dataSize
	if dataEnd < dataStart {
		return ErrDataWraps
	}

	if dataEnd > parentSize {
		return ErrDataOutsideParent
	}

	if dataSize > 0 && dataStart < memberOffset+memberSize {
		return ErrDataOverlapsMember
	}

	return nil
}

// SafeMemcmp compares two byte slices in constant time with respect to their
// contents. The accumulated-XOR form has no data-dependent branches, so the
// position of the first differing byte does not leak through timing. Digest
// and signature comparisons must go through this rather than bytes.Equal.
func SafeMemcmp(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	acc := byte(0)
	for i := 0; i < len(a); i++ {
		acc |= a[i] ^ b[i]
	}

	return acc == 0
}
