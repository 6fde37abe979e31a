// This file provides read-only access to the "Google Binary Block", the
// region inside read-only firmware that carries policy flags, the root and
// recovery public keys, and hardware identification. The region layout is
// fixed, but an image could still be malformed, so every offset is
// bounds-checked before use.

package vboot

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	gbbHeaderSize = 128

	gbbVersionMajor = 1
	gbbVersionMinor = 1

	// The HWID digest was added in v1.2.
	gbbHwidDigestMinorVersion = 2
)

var (
	requiredGbbMagic = []byte("$GBB")
)

// GbbFlags is the policy bitmask from the GBB header. Unknown bits are
// preserved but ignored.
type GbbFlags uint32

const (
	// GbbFlagDevScreenShortDelay shortens the developer-mode warning delay.
	GbbFlagDevScreenShortDelay GbbFlags = 0x00000001

	// GbbFlagDisableFwRollbackCheck skips rollback-floor comparisons. Test
	// builds only.
	GbbFlagDisableFwRollbackCheck GbbFlags = 0x00000002

	// GbbFlagForceDevMode forces developer mode on regardless of the
	// switch.
	GbbFlagForceDevMode GbbFlags = 0x00000008

	// GbbFlagDisableEcSoftwareSync skips the EC software-sync phase.
	GbbFlagDisableEcSoftwareSync GbbFlags = 0x00000200

	// GbbFlagDisableRecoveryRequest ignores NV recovery requests. Test
	// builds only.
	GbbFlagDisableRecoveryRequest GbbFlags = 0x00000400
)

// ForcesDevMode indicates whether developer mode is forced on.
func (gf GbbFlags) ForcesDevMode() bool {
	return gf&GbbFlagForceDevMode > 0
}

// DisablesFwRollbackCheck indicates whether rollback enforcement is off.
func (gf GbbFlags) DisablesFwRollbackCheck() bool {
	return gf&GbbFlagDisableFwRollbackCheck > 0
}

// DisablesEcSoftwareSync indicates whether EC sync is off.
func (gf GbbFlags) DisablesEcSoftwareSync() bool {
	return gf&GbbFlagDisableEcSoftwareSync > 0
}

// DisablesRecoveryRequest indicates whether NV recovery requests are
// ignored.
func (gf GbbFlags) DisablesRecoveryRequest() bool {
	return gf&GbbFlagDisableRecoveryRequest > 0
}

// DumpBareIndented prints the policy flags with arbitrary indentation.
func (gf GbbFlags) DumpBareIndented(indent string) {
	fmt.Printf("%sRaw Value: (0x%08x)\n", indent, uint32(gf))
	fmt.Printf("%sForcesDevMode: [%v]\n", indent, gf.ForcesDevMode())
	fmt.Printf("%sDisablesFwRollbackCheck: [%v]\n", indent, gf.DisablesFwRollbackCheck())
	fmt.Printf("%sDisablesEcSoftwareSync: [%v]\n", indent, gf.DisablesEcSoftwareSync())
	fmt.Printf("%sDisablesRecoveryRequest: [%v]\n", indent, gf.DisablesRecoveryRequest())
}

// GbbHeader is the fixed 128-byte header at the start of the GBB region.
// All offsets are relative to the start of the region.
type GbbHeader struct {
	// Magic identifies the region. The valid value is "$GBB".
	Magic [4]byte

	// MajorVersion must equal 1.
	MajorVersion uint16

	// MinorVersion gates optional fields; the HWID digest is only valid
	// from 1.2.
	MinorVersion uint16

	// HeaderSize is the size of this header. It must be at least the
	// structure size; the excess, if any, is reserved.
	HeaderSize uint32

	// Flags is the policy bitmask.
	Flags uint32

	// HwidOffset is the offset of the hardware-ID string.
	HwidOffset uint32

	// HwidSize is the size of the hardware-ID string, including any
	// trailing NULs.
	HwidSize uint32

	// RootKeyOffset is the offset of the packed root public key.
	RootKeyOffset uint32

	// RootKeySize is the size of the packed root public key.
	RootKeySize uint32

	// BmpFvOffset is deprecated and no longer interpreted.
	BmpFvOffset uint32

	// BmpFvSize is deprecated and no longer interpreted.
	BmpFvSize uint32

	// RecoveryKeyOffset is the offset of the packed recovery public key.
	RecoveryKeyOffset uint32

	// RecoveryKeySize is the size of the packed recovery public key.
	RecoveryKeySize uint32

	// HwidDigest is the SHA-256 of the hardware-ID string (v1.2+).
	HwidDigest [32]byte

	// Pad brings the header to 128 bytes.
	Pad [48]byte
}

// Gbb is a validated, read-only view over a GBB region.
type Gbb struct {
	header GbbHeader

	raw []byte
}

// OpenGbb validates the header of the region at raw and returns a view over
// it. The key regions are bounds-checked here; the keys themselves are
// parsed on access.
func OpenGbb(raw []byte) (gbb *Gbb, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	if len(raw) < gbbHeaderSize {
		return nil, ErrMemberOutsideParent
	}

	header := GbbHeader{}

	err = restruct.Unpack(raw[:gbbHeaderSize], defaultEncoding, &header)
	log.PanicIf(err)

	if bytes.Equal(header.Magic[:], requiredGbbMagic) != true {
		return nil, ErrBadMagic
	}

	err = checkHeaderVersion(header.MajorVersion, header.MinorVersion, gbbVersionMajor, gbbVersionMinor)
	if err != nil {
		return nil, err
	}

	if header.HeaderSize < gbbHeaderSize {
		return nil, ErrMemberOutsideParent
	}

	regionSize := uint64(len(raw))

	err = CheckMember(regionSize, uint64(header.HwidOffset), uint64(header.HwidSize))
	if err != nil {
		return nil, err
	}

	err = CheckMember(regionSize, uint64(header.RootKeyOffset), uint64(header.RootKeySize))
	if err != nil {
		return nil, err
	}

	err = CheckMember(regionSize, uint64(header.RecoveryKeyOffset), uint64(header.RecoveryKeySize))
	if err != nil {
		return nil, err
	}

	gbb = &Gbb{
		header: header,
		raw:    raw,
	}

	return gbb, nil
}

// Flags returns the policy bitmask.
func (gbb *Gbb) Flags() GbbFlags {
	return GbbFlags(gbb.header.Flags)
}

// Hwid returns the hardware-ID string with trailing NULs stripped.
func (gbb *Gbb) Hwid() string {
	raw := gbb.raw[gbb.header.HwidOffset : gbb.header.HwidOffset+gbb.header.HwidSize]

	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}

	return string(raw[:end])
}

// HwidDigest returns the SHA-256 of the hardware-ID string, or nil when the
// header predates it.
func (gbb *Gbb) HwidDigest() []byte {
	if gbb.header.MinorVersion < gbbHwidDigestMinorVersion {
		return nil
	}

	return gbb.header.HwidDigest[:]
}

// RootKey parses and returns the root public key.
func (gbb *Gbb) RootKey() (pk *PackedKey, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	raw := gbb.raw[gbb.header.RootKeyOffset : gbb.header.RootKeyOffset+gbb.header.RootKeySize]

	pk, err = OpenPackedKey(raw)
	log.PanicIf(err)

	return pk, nil
}

// RecoveryKey parses and returns the recovery public key.
func (gbb *Gbb) RecoveryKey() (pk *PackedKey, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	raw := gbb.raw[gbb.header.RecoveryKeyOffset : gbb.header.RecoveryKeyOffset+gbb.header.RecoveryKeySize]

	pk, err = OpenPackedKey(raw)
	log.PanicIf(err)

	return pk, nil
}

// Dump prints the GBB parameters.
func (gbb *Gbb) Dump() {
	fmt.Printf("GBB Header\n")
	fmt.Printf("==========\n")
	fmt.Printf("\n")

	fmt.Printf("Version: (%d).(%d)\n", gbb.header.MajorVersion, gbb.header.MinorVersion)
	fmt.Printf("HeaderSize: (%d)\n", gbb.header.HeaderSize)
	fmt.Printf("Hwid: [%s]\n", gbb.Hwid())
	fmt.Printf("RootKey: (%d) bytes @ (%d)\n", gbb.header.RootKeySize, gbb.header.RootKeyOffset)
	fmt.Printf("RecoveryKey: (%d) bytes @ (%d)\n", gbb.header.RecoveryKeySize, gbb.header.RecoveryKeyOffset)
	fmt.Printf("\n")

	fmt.Printf("Flags: (0x%08x)\n", gbb.header.Flags)
	gbb.Flags().DumpBareIndented("  ")

	fmt.Printf("\n")
}

// String returns a description of the GBB.
func (gbb *Gbb) String() string {
	return fmt.Sprintf("Gbb<HWID=[%s] VERSION=(%d).(%d)>", gbb.Hwid(), gbb.header.MajorVersion, gbb.header.MinorVersion)
}
