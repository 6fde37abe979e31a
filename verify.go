// This file runs the end-to-end verification of one firmware slot against
// the root key: key block, preamble, body, rollback floors. Each step's
// failure carries a distinct recovery reason so that operators can tell a
// forged signature from a stale image.

package vboot

import (
	"fmt"
	"reflect"

	"github.com/dsoprea/go-logging"
)

// VerifyFailure is a per-slot verification failure. It rejects the slot; it
// never aborts the device.
type VerifyFailure struct {
	// Reason is the recovery reason this failure maps to, should every
	// slot end up failing.
	Reason RecoveryReason

	// Message describes the failing step.
	Message string
}

// Error returns a description of the failure.
func (vf *VerifyFailure) Error() string {
	return fmt.Sprintf("slot verification failed (%s): %s", vf.Reason, vf.Message)
}

func verifyFailuref(reason RecoveryReason, format string, args ...interface{}) *VerifyFailure {
	return &VerifyFailure{
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// SlotVerification is the outcome of a successful pipeline run.
type SlotVerification struct {
	// Slot is the verified slot.
	Slot FwSlot

	// FwVersion is the combined version from the preamble.
	FwVersion uint32

	// KeyBlock and Preamble are views over the slot's vblock.
	KeyBlock *KeyBlock
	Preamble *FirmwarePreamble

	// KernelSubkey is the copy published into the work buffer for the
	// kernel stage.
	KernelSubkey *PackedKey
}

// publishKernelSubkey copies the preamble's kernel subkey into the work
// buffer so it outlives the slot bytes, and records it in the shared state.
func publishKernelSubkey(ctx *BootContext, subkey *PackedKey) (pk *PackedKey, err error) {
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

	wb := ctx.Shared.WorkBuffer()

	keyData := subkey.KeyData()
	total := packedKeyHeaderSize + len(keyData)

	ctx.Shared.dataKeyOffset = wb.Used()

	buf, err := wb.Alloc(total)
	if err != nil {
		return nil, err
	}

	// Repack with the key data immediately after the header.
	defaultEncoding.PutUint32(buf[0:4], packedKeyHeaderSize)
	defaultEncoding.PutUint32(buf[4:8], 0)
	defaultEncoding.PutUint32(buf[8:12], uint32(len(keyData)))
	defaultEncoding.PutUint32(buf[12:16], 0)
	defaultEncoding.PutUint32(buf[16:20], uint32(subkey.Algorithm()))
	defaultEncoding.PutUint32(buf[20:24], 0)
	defaultEncoding.PutUint32(buf[24:28], uint32(subkey.Version()))
	defaultEncoding.PutUint32(buf[28:32], 0)

	copy(buf[packedKeyHeaderSize:], keyData)

	pk, err = OpenPackedKey(buf)
	log.PanicIf(err)

	ctx.Shared.KernelSubkey = pk
	ctx.Shared.Status |= StatusKernelSubkeyPublished

	return pk, nil
}

// VerifySlot validates a slot's vblock (key block plus preamble) and body
// against the root key and the current floors. On success the kernel subkey
// is published and the combined version returned; on failure the error is a
// *VerifyFailure carrying the recovery reason for this slot, and the shared
// state is untouched beyond the status flags.
func VerifySlot(ctx *BootContext, slot FwSlot, vblock, body []byte, rootKey *PackedKey) (sv *SlotVerification, err error) {
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

	wb := ctx.Shared.WorkBuffer()
	hw := ctx.Platform.Crypto
	gbbFlags := ctx.Gbb.Flags()

	// Step 1: the key block, signed by the root key.

	kb, err := OpenKeyBlock(vblock)
	if err != nil {
		return nil, verifyFailuref(RecoveryKeyBlockInvalid, "key block did not parse: %s", err)
	}

	err = VerifyData(kb.SignedBytes(), kb.Signature(), rootKey, hw, true, wb)
	if err != nil {
		if IsSignatureFailure(err) != true {
			return nil, verifyFailuref(RecoveryHardwareCrypto, "hardware crypto failed: %s", err)
		}

		return nil, verifyFailuref(RecoveryKeyBlockSignature, "key block signature: %s", err)
	}

	// Step 2: the key block must permit this boot mode.

	if kb.AllowsMode(ctx.DeveloperMode(), ctx.RecoveryMode()) != true {
		return nil, verifyFailuref(RecoveryKeyBlockFlags, "key block flags (0x%x) disallow mode dev=[%v] rec=[%v]",
			kb.Flags(), ctx.DeveloperMode(), ctx.RecoveryMode())
	}

	// Step 3: the data key must not predate the floor's key epoch.

	dataKey := kb.DataKey()

	floor := uint32(0)
	if ctx.Secure != nil {
		floor = ctx.Secure.FirmwareVersions()
	}

	floorKeyVersion, _ := SplitVersion(floor)

	if gbbFlags.DisablesFwRollbackCheck() != true && dataKey.Version() < floorKeyVersion {
		return nil, verifyFailuref(RecoveryKeyRollback, "data key version (0x%04x) below floor (0x%04x)",
			dataKey.Version(), floorKeyVersion)
	}

	// Step 4: the preamble, signed by the data key.

	preambleRaw := vblock[kb.Size():]

	preamble, err := OpenFirmwarePreamble(preambleRaw)
	if err != nil {
		return nil, verifyFailuref(RecoveryPreambleInvalid, "preamble did not parse: %s", err)
	}

	err = VerifyData(preamble.SignedBytes(), preamble.Signature(), dataKey, hw, true, wb)
	if err != nil {
		if IsSignatureFailure(err) != true {
			return nil, verifyFailuref(RecoveryHardwareCrypto, "hardware crypto failed: %s", err)
		}

		return nil, verifyFailuref(RecoveryPreambleSignature, "preamble signature: %s", err)
	}

	// Step 5: the combined version must not predate the floor, and its key
	// epoch must agree with the data key that vouched for it.

	combined := preamble.FirmwareVersion()
	keyEpoch, _ := SplitVersion(combined)

	if keyEpoch != dataKey.Version() {
		return nil, verifyFailuref(RecoveryPreambleInvalid, "preamble key epoch (0x%04x) disagrees with data key (0x%04x)",
			keyEpoch, dataKey.Version())
	}

	if gbbFlags.DisablesFwRollbackCheck() != true && combined < floor {
		return nil, verifyFailuref(RecoveryFirmwareRollback, "firmware version (0x%08x) below floor (0x%08x)",
			combined, floor)
	}

	// Step 6: the body itself.

	err = VerifyData(body, preamble.BodySignature(), dataKey, hw, preamble.AllowsHwCrypto(), wb)
	if err != nil {
		if IsSignatureFailure(err) != true {
			return nil, verifyFailuref(RecoveryHardwareCrypto, "hardware crypto failed: %s", err)
		}

		return nil, verifyFailuref(RecoveryBodySignature, "body signature: %s", err)
	}

	// Step 7: publish the kernel subkey and hand the version up.

	kernelSubkey, err := publishKernelSubkey(ctx, preamble.KernelSubkey())
	if err != nil {
		return nil, verifyFailuref(RecoveryPreambleInvalid, "could not publish kernel subkey: %s", err)
	}

	ctx.Shared.Status |= StatusVerifiedSlot

	sv = &SlotVerification{
		Slot:         slot,
		FwVersion:    combined,
		KeyBlock:     kb,
		Preamble:     preamble,
		KernelSubkey: kernelSubkey,
	}

	return sv, nil
}
