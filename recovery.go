// This file defines the recovery reason codes and the policy that turns
// verification outcomes and user intent into a single reason and mode.

package vboot

import (
	"fmt"
)

// RecoveryReason identifies why the device is entering recovery. Zero means
// no recovery. The codes are stable: they surface to the user and to
// diagnostics, and the NV subcode field carries them across reboots.
type RecoveryReason uint8

const (
	// RecoveryNone means no recovery.
	RecoveryNone RecoveryReason = 0x00

	// RecoveryManual is an explicit user request (physical presence plus NV
	// request).
	RecoveryManual RecoveryReason = 0x02

	// RecoveryBrokenRw means no firmware slot verified.
	RecoveryBrokenRw RecoveryReason = 0x03

	// RecoveryRollback means every candidate slot was below the rollback
	// floor.
	RecoveryRollback RecoveryReason = 0x04

	// RecoverySecureStorage means the integrity-protected storage could not
	// be read.
	RecoverySecureStorage RecoveryReason = 0x05

	// RecoveryNoGoodFirmware means every candidate slot has a recorded
	// failure, so none is eligible to boot.
	RecoveryNoGoodFirmware RecoveryReason = 0x06

	// Per-slot verification detail codes.

	// RecoveryKeyBlockInvalid means the key block did not parse.
	RecoveryKeyBlockInvalid RecoveryReason = 0x13

	// RecoveryKeyBlockSignature means the key block signature did not
	// verify against the root key.
	RecoveryKeyBlockSignature RecoveryReason = 0x14

	// RecoveryKeyBlockFlags means the key block does not permit the current
	// boot mode.
	RecoveryKeyBlockFlags RecoveryReason = 0x15

	// RecoveryKeyRollback means the data-key version is below the floor.
	RecoveryKeyRollback RecoveryReason = 0x16

	// RecoveryPreambleInvalid means the preamble did not parse.
	RecoveryPreambleInvalid RecoveryReason = 0x17

	// RecoveryPreambleSignature means the preamble signature did not verify
	// against the data key.
	RecoveryPreambleSignature RecoveryReason = 0x18

	// RecoveryFirmwareRollback means the preamble version is below the
	// floor.
	RecoveryFirmwareRollback RecoveryReason = 0x19

	// RecoveryBodySignature means the firmware body did not verify.
	RecoveryBodySignature RecoveryReason = 0x1a

	// RecoveryHardwareCrypto means the platform crypto engine failed with
	// something other than "unsupported".
	RecoveryHardwareCrypto RecoveryReason = 0x1b

	// EC software-sync codes.

	// RecoveryEcUnknownImage means the EC could not report which image it
	// is running.
	RecoveryEcUnknownImage RecoveryReason = 0x20

	// RecoveryEcHash means an EC hash could not be fetched.
	RecoveryEcHash RecoveryReason = 0x21

	// RecoveryEcHashSize means the EC hash had an unexpected size.
	RecoveryEcHashSize RecoveryReason = 0x22

	// RecoveryEcUpdate means an EC reflash did not take.
	RecoveryEcUpdate RecoveryReason = 0x23

	// RecoveryEcJumpRw means the EC refused the jump to RW.
	RecoveryEcJumpRw RecoveryReason = 0x24

	// RecoveryEcProtect means write-protect could not be applied.
	RecoveryEcProtect RecoveryReason = 0x25

	// RecoveryEcSoftwareSync means some other part of the sync protocol
	// failed.
	RecoveryEcSoftwareSync RecoveryReason = 0x26
)

var recoveryReasonNames = map[RecoveryReason]string{
	RecoveryNone:              "not requested",
	RecoveryManual:            "manual request",
	RecoveryBrokenRw:          "no valid firmware slot",
	RecoveryRollback:          "rollback",
	RecoverySecureStorage:     "secure storage error",
	RecoveryNoGoodFirmware:    "no good firmware",
	RecoveryKeyBlockInvalid:   "key block invalid",
	RecoveryKeyBlockSignature: "key block signature",
	RecoveryKeyBlockFlags:     "key block flags",
	RecoveryKeyRollback:       "key rollback",
	RecoveryPreambleInvalid:   "preamble invalid",
	RecoveryPreambleSignature: "preamble signature",
	RecoveryFirmwareRollback:  "firmware rollback",
	RecoveryBodySignature:     "body signature",
	RecoveryHardwareCrypto:    "hardware crypto",
	RecoveryEcUnknownImage:    "EC unknown image",
	RecoveryEcHash:            "EC hash",
	RecoveryEcHashSize:        "EC hash size",
	RecoveryEcUpdate:          "EC update",
	RecoveryEcJumpRw:          "EC jump to RW",
	RecoveryEcProtect:         "EC protect",
	RecoveryEcSoftwareSync:    "EC software sync",
}

// String returns a human-readable reason name.
func (rr RecoveryReason) String() string {
	name, found := recoveryReasonNames[rr]
	if found != true {
		return fmt.Sprintf("reason<0x%02x>", uint8(rr))
	}

	return name
}

// RecoveryMode distinguishes a user-initiated recovery from one forced by a
// broken device.
type RecoveryMode int

const (
	// RecoveryModeNone means no recovery.
	RecoveryModeNone RecoveryMode = iota

	// RecoveryModeManual means the user asked for recovery.
	RecoveryModeManual

	// RecoveryModeBroken means verification failed on every candidate.
	RecoveryModeBroken
)

// String returns a human-readable mode name.
func (rm RecoveryMode) String() string {
	switch rm {
	case RecoveryModeNone:
		return "none"
	case RecoveryModeManual:
		return "manual"
	case RecoveryModeBroken:
		return "broken"
	}

	return "invalid"
}

// severityRank orders slot reasons for the broken-mode report. Hardware
// faults dominate signature failures, which dominate rollbacks, which
// dominate flag mismatches.
func severityRank(rr RecoveryReason) int {
	switch rr {
	case RecoveryHardwareCrypto, RecoverySecureStorage:
		return 4
	case RecoveryKeyBlockSignature, RecoveryPreambleSignature,
		RecoveryBodySignature, RecoveryKeyBlockInvalid,
		RecoveryPreambleInvalid:
		return 3
	case RecoveryKeyRollback, RecoveryFirmwareRollback, RecoveryRollback:
		return 2
	case RecoveryKeyBlockFlags:
		return 1
	case RecoveryNone:
		return 0
	}

	return 1
}

// MoreSevere returns the more severe of two slot reasons.
func MoreSevere(a, b RecoveryReason) RecoveryReason {
	if severityRank(b) > severityRank(a) {
		return b
	}

	return a
}

// DecideRecovery translates verification outcomes and user intent into a
// recovery reason and mode.
//
// An explicit user request needs both the physical signal and the NV
// request; that pairing is what distinguishes a held-down recovery key from
// a stale NV bit. Verification failure on every candidate produces broken
// mode with the most severe of the slot reasons. GBB policy can ignore NV
// requests entirely on test builds.
func DecideRecovery(nvRequested, physicalPresence bool, slotReasons []RecoveryReason, gbbFlags GbbFlags) (reason RecoveryReason, mode RecoveryMode) {
	if nvRequested == true && gbbFlags.DisablesRecoveryRequest() == true {
		nvRequested = false
	}

	if nvRequested == true && physicalPresence == true {
		return RecoveryManual, RecoveryModeManual
	}

	broken := len(slotReasons) > 0
	worst := RecoveryNone

	for _, slotReason := range slotReasons {
		if slotReason == RecoveryNone {
			broken = false
			break
		}

		worst = MoreSevere(worst, slotReason)
	}

	if broken == true {
		return worst, RecoveryModeBroken
	}

	if nvRequested == true {
		// A request without presence still enters recovery (the previous
		// boot may have set it), but it does not count as manual.
		return RecoveryManual, RecoveryModeBroken
	}

	return RecoveryNone, RecoveryModeNone
}
