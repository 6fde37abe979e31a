// This file chooses which A/B firmware slot to attempt, from the NV
// try-state and each slot's history. The selector orders candidates; the
// verification pipeline has the final word.

package vboot

import (
	"github.com/dsoprea/go-logging"
)

// SlotCandidate describes one firmware slot as known before verification.
// Version comes from a shallow preamble read and is only trusted for
// ordering; the pipeline re-checks it against the floor after the
// signatures verify.
type SlotCandidate struct {
	// Slot is the slot this candidate describes.
	Slot FwSlot

	// Version is the combined version, or zero when the slot is unreadable.
	Version uint32

	// LastResult is the slot's last known boot outcome. Unknown slots are
	// eligible; only a recorded failure disqualifies.
	LastResult FirmwareResult
}

// Selection is the selector's verdict: either a slot to verify or a
// recovery reason.
type Selection struct {
	// Slot is the chosen slot, or SlotNone when recovery is indicated.
	Slot FwSlot

	// Recovery is RecoveryNone when a slot was chosen.
	Recovery RecoveryReason
}

// SelectFirmware picks the slot this boot should attempt.
//
// If recovery is requested or forced, no slot is chosen. Otherwise a
// try-slot with tries remaining is attempted first (consuming one try);
// failing that, the best eligible candidate wins: known-success beats
// never-failed, higher version beats lower, and slot A breaks ties. A
// candidate below the rollback floor is skipped outright, and if that
// skipping eliminates everything, the recovery reason is rollback rather
// than missing firmware.
//
// The NV record is updated in place (tries decremented, result marked
// trying); committing it is the caller's job.
func SelectFirmware(nv *NvContext, sec *SecureContext, flags ContextFlags, gbbFlags GbbFlags, candidates []SlotCandidate) (selection Selection, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if flags&ContextRecoveryMode > 0 {
		selection = Selection{
			Slot:     SlotNone,
			Recovery: RecoveryManual,
		}

		return selection, nil
	}

	floor := sec.FirmwareVersions()

	floorOk := func(c SlotCandidate) bool {
		if gbbFlags.DisablesFwRollbackCheck() == true {
			return true
		}

		return c.Version >= floor
	}

	skippedForRollback := false

	eligible := func(c SlotCandidate) bool {
		if c.LastResult == ResultFailure {
			return false
		}

		if floorOk(c) != true {
			skippedForRollback = true
			return false
		}

		return true
	}

	// A try-slot with tries remaining is attempted before any history-based
	// choice. The try is consumed now so that a crash during this boot
	// cannot loop forever on a bad update.

	tries := nv.Get(NvFieldTriesRemaining)
	if tries > 0 {
		trySlot := FwSlot(nv.Get(NvFieldTrySlot))

		for _, c := range candidates {
			if c.Slot != trySlot {
				continue
			}

			if eligible(c) == true {
				nv.Set(NvFieldTriesRemaining, tries-1)
				nv.Set(NvFieldFirmwareResult, uint32(ResultTrying))

				selection = Selection{
					Slot: trySlot,
				}

				return selection, nil
			}
		}
	}

	chosen := SlotNone
	chosenVersion := uint32(0)
	chosenSuccess := false

	for _, c := range candidates {
		if eligible(c) != true {
			continue
		}

		success := c.LastResult == ResultSuccess

		better := false
		if chosen == SlotNone {
			better = true
		} else if success != chosenSuccess {
			better = success
		} else if c.Version != chosenVersion {
			better = c.Version > chosenVersion
		} else {
			better = c.Slot < chosen
		}

		if better == true {
			chosen = c.Slot
			chosenVersion = c.Version
			chosenSuccess = success
		}
	}

	if chosen == SlotNone {
		reason := RecoveryNoGoodFirmware
		if skippedForRollback == true {
			reason = RecoveryRollback
		}

		selection = Selection{
			Slot:     SlotNone,
			Recovery: reason,
		}

		return selection, nil
	}

	selection = Selection{
		Slot: chosen,
	}

	return selection, nil
}
