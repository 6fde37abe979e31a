// This file drives one whole boot: load persistent state, locate the GBB,
// pick a slot, verify it (falling through to the other slot when the first
// is bad), commit the outcome, and terminate with a handoff record. EC sync
// runs afterwards, once the main firmware is known good.

package vboot

import (
	"reflect"

	"github.com/dsoprea/go-logging"
)

// FirmwareImage is one slot's bytes: the vblock (key block plus preamble)
// and the firmware body it vouches for. Both are caller-owned read-only
// borrows for the duration of the boot.
type FirmwareImage struct {
	Vblock []byte
	Body   []byte
}

// InitContext builds the per-boot context: work buffer, shared state, NV
// record, secure storage, GBB, and the mode flags derived from all of them.
//
// A secure-storage integrity failure does not abort initialization: the
// context comes back with recovery already requested, because a recovery
// boot is exactly how the device recovers from that. A GBB that does not
// parse is different: without it there is no root key and no policy, so
// that is a hard error.
func InitContext(workbufRaw []byte, platform Platform, nvRaw []byte, gbbRaw []byte, gbbOffset uint32, inputs ContextFlags) (ctx *BootContext, err error) {
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

	wb, err := NewWorkBuffer(workbufRaw)
	log.PanicIf(err)

	shared, err := NewSharedState(wb)
	log.PanicIf(err)

	shared.GbbOffset = gbbOffset

	gbb, err := OpenGbb(gbbRaw)
	log.PanicIf(err)

	nv := NewNvContext(nvRaw)
	if nv.Reinitialized() == true {
		shared.Status |= StatusNvReinitialized
	}

	ctx = &BootContext{
		Shared:   shared,
		Nv:       nv,
		Gbb:      gbb,
		Platform: platform,
	}

	secure, secureErr := OpenSecureContext(platform.Secure)
	if secureErr != nil {
		ctx.requestRecovery(RecoverySecureStorage)
	} else {
		ctx.Secure = secure
		shared.SecureFwVersion = secure.FirmwareVersions()
		shared.Status |= StatusSecureOpened
	}

	// Decide the boot mode. Developer mode comes from the switch or from
	// GBB policy; recovery mode from an honored NV request or from the
	// secure-storage failure above.

	shared.Flags |= inputs & (ContextDeveloperMode | ContextPhysicalPresence)

	if gbb.Flags().ForcesDevMode() == true {
		shared.Flags |= ContextDeveloperMode
	}

	recoveryRequested := nv.Get(NvFieldRecoveryRequest) != 0 &&
		gbb.Flags().DisablesRecoveryRequest() != true

	if recoveryRequested == true || shared.RecoveryReason != RecoveryNone {
		shared.Flags |= ContextRecoveryMode
	}

	shared.LastSlot = FwSlot(nv.Get(NvFieldTrySlot))
	shared.LastResult = FirmwareResult(nv.Get(NvFieldFirmwareResult))

	return ctx, nil
}

// peekSlotVersion reads a slot's combined version without verifying
// anything. The value is only good for ordering candidates; the pipeline
// re-checks the version after the signatures prove it.
func peekSlotVersion(vblock []byte) uint32 {
	kbHeader := KeyBlockHeader{}

	err := unpackStruct(vblock, keyBlockHeaderSize, &kbHeader)
	if err != nil {
		return 0
	}

	if uint64(kbHeader.KeyBlockSize) > uint64(len(vblock)) {
		return 0
	}

	fpHeader := FirmwarePreambleHeader{}

	err = unpackStruct(vblock[kbHeader.KeyBlockSize:], preambleHeaderSize, &fpHeader)
	if err != nil {
		return 0
	}

	return fpHeader.FirmwareVersion
}

func (ctx *BootContext) buildCandidates(slots [2]FirmwareImage) [2]SlotCandidate {
	candidates := [2]SlotCandidate{}

	for i := 0; i < 2; i++ {
		slot := FwSlot(i)

		lastResult := ResultUnknown
		if FwSlot(ctx.Nv.Get(NvFieldTrySlot)) == slot {
			lastResult = FirmwareResult(ctx.Nv.Get(NvFieldFirmwareResult))
		}

		candidates[i] = SlotCandidate{
			Slot:       slot,
			Version:    peekSlotVersion(slots[i].Vblock),
			LastResult: lastResult,
		}
	}

	return candidates
}

func (ctx *BootContext) recoveryHandoff(reason RecoveryReason, mode RecoveryMode) *Handoff {
	if ctx.Shared.RecoveryReason == RecoveryNone {
		ctx.Shared.RecoveryReason = reason
	}

	ctx.Nv.Set(NvFieldRecoveryRequest, 1)
	ctx.Nv.Set(NvFieldRecoverySubcode, uint32(ctx.Shared.RecoveryReason))

	return &Handoff{
		Slot:           SlotNone,
		RecoveryReason: ctx.Shared.RecoveryReason,
		RecoveryMode:   mode,
		Action:         ActionRecovery,
	}
}

// maybeRollForwardFloor raises the rollback floor after a successful
// verification, but only as far as both slots can follow: bumping it past
// the other slot's version would turn the safety net into a brick.
func (ctx *BootContext) maybeRollForwardFloor(verified *SlotVerification, otherVersion uint32, otherFailed bool) {
	if ctx.Secure == nil || otherFailed == true {
		return
	}

	target := verified.FwVersion
	if otherVersion < target {
		target = otherVersion
	}

	if target <= ctx.Secure.FirmwareVersions() {
		return
	}

	err := ctx.Secure.SetFirmwareVersions(target)
	if err != nil {
		// A refused update is a warning, not a failure: the floor just
		// stays where it was.
		return
	}

	ctx.Shared.SecureFwVersion = target
}

// LoadFirmware selects and verifies a firmware slot and returns the handoff
// record. Parsing and crypto failures reject slots, never the device; only
// when every candidate is gone does the boot end in recovery.
func LoadFirmware(ctx *BootContext, slots [2]FirmwareImage) (handoff *Handoff, err error) {
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

	nvRequested := ctx.Nv.Get(NvFieldRecoveryRequest) != 0
	physicalPresence := ctx.Shared.Flags&ContextPhysicalPresence > 0
	gbbFlags := ctx.Gbb.Flags()

	if ctx.RecoveryMode() == true {
		reason, mode := DecideRecovery(nvRequested, physicalPresence, nil, gbbFlags)
		if reason == RecoveryNone {
			// Recovery mode was entered for a reason that DecideRecovery
			// does not model (secure-storage failure); the shared state
			// already carries it.
			reason = ctx.Shared.RecoveryReason
			mode = RecoveryModeBroken
		}

		handoff = ctx.recoveryHandoff(reason, mode)

		err = ctx.CommitNv()
		log.PanicIf(err)

		return handoff, nil
	}

	rootKey, err := ctx.Gbb.RootKey()
	log.PanicIf(err)

	candidates := ctx.buildCandidates(slots)

	selection, err := SelectFirmware(ctx.Nv, ctx.Secure, ctx.Shared.Flags, gbbFlags, candidates[:])
	log.PanicIf(err)

	if selection.Slot == SlotNone {
		handoff = ctx.recoveryHandoff(selection.Recovery, RecoveryModeBroken)

		err = ctx.CommitNv()
		log.PanicIf(err)

		return handoff, nil
	}

	ctx.Shared.Status |= StatusChoseSlot
	ctx.Shared.ThisSlot = selection.Slot

	// Verify the chosen slot, then fall through to the other one. Each
	// failure is remembered so the recovery report can name the most
	// severe.

	order := []FwSlot{selection.Slot, selection.Slot.Other()}
	reasons := make([]RecoveryReason, 0, 2)
	failed := map[FwSlot]bool{}

	var verified *SlotVerification

	for _, slot := range order {
		image := slots[slot]

		sv, verifyErr := VerifySlot(ctx, slot, image.Vblock, image.Body, rootKey)
		if verifyErr == nil {
			verified = sv
			break
		}

		failure, ok := verifyErr.(*VerifyFailure)
		if ok != true {
			return nil, log.Wrap(verifyErr)
		}

		reasons = append(reasons, failure.Reason)
		failed[slot] = true
	}

	if verified == nil {
		ctx.Nv.Set(NvFieldFirmwareResult, uint32(ResultFailure))

		reason, mode := DecideRecovery(nvRequested, physicalPresence, reasons, gbbFlags)

		handoff = ctx.recoveryHandoff(reason, mode)

		err = ctx.CommitNv()
		log.PanicIf(err)

		return handoff, nil
	}

	ctx.Shared.ThisSlot = verified.Slot
	ctx.Shared.FwVersion = verified.FwVersion

	// When a try was in flight, commit the outcome: the slot that actually
	// booted is now the known-good one. A plain boot of an already-good
	// slot leaves the record untouched.

	if FirmwareResult(ctx.Nv.Get(NvFieldFirmwareResult)) == ResultTrying {
		ctx.Nv.Set(NvFieldTrySlot, uint32(verified.Slot))
		ctx.Nv.Set(NvFieldFirmwareResult, uint32(ResultSuccess))
	}

	displayRequested := ctx.Nv.Get(NvFieldDisplayRequest) != 0
	ctx.Nv.Set(NvFieldDisplayRequest, 0)

	otherVersion := candidates[verified.Slot.Other()].Version
	ctx.maybeRollForwardFloor(verified, otherVersion, failed[verified.Slot.Other()])

	if ctx.Secure != nil {
		err = ctx.Secure.SetLastBootGood(true)
		log.PanicIf(err)

		// Lock before anything downstream runs: the floor must not move
		// again until the next boot.
		err = ctx.Secure.Lock()
		log.PanicIf(err)
	}

	err = ctx.CommitNv()
	log.PanicIf(err)

	handoff = &Handoff{
		Slot:             verified.Slot,
		FwVersion:        verified.FwVersion,
		RecoveryReason:   RecoveryNone,
		RecoveryMode:     RecoveryModeNone,
		Action:           ActionContinue,
		DisplayRequested: displayRequested,
	}

	return handoff, nil
}
