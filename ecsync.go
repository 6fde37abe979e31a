// This file brings the embedded controller's firmware into conformance
// with the hashes carried in the verified main firmware. The protocol is an
// explicit state machine so each transition can be driven independently:
//
//   INIT -> HASH_CHECK_RW -> (UPDATE_RW?) -> JUMP_RW
//        -> HASH_CHECK_RO? -> (UPDATE_RO?) -> PROTECT -> DONE
//
// Three of the exits are flow control rather than errors: reboot-to-RO
// (the EC must reset), reboot-to-switch-RW (an A/B device must swap slots),
// and done.

package vboot

import (
	"errors"
	"reflect"

	"github.com/dsoprea/go-logging"
)

// EcImage identifies which image the EC reports running.
type EcImage int

const (
	// EcImageUnknown means the EC could not say.
	EcImageUnknown EcImage = iota

	// EcImageRO is the read-only image.
	EcImageRO

	// EcImageRW is the rewritable image.
	EcImageRW
)

// EcSelector addresses one EC firmware region. The RW-update variant exists
// only on devices that update the inactive slot and then switch; elsewhere
// the active RW slot is written in place.
type EcSelector int

const (
	// EcSelectRO addresses the read-only image.
	EcSelectRO EcSelector = iota

	// EcSelectRWActive addresses the currently-active RW image.
	EcSelectRWActive

	// EcSelectRWUpdate addresses the inactive RW slot on A/B devices.
	EcSelectRWUpdate
)

var (
	// ErrEcRebootToRORequired is the EC's way of saying it must be reset
	// before the request can be honored. It is flow control, not a
	// failure, and is always propagated unchanged.
	ErrEcRebootToRORequired = errors.New("ec requires reboot to RO")
)

// EcController is the capability handle for the companion controller.
type EcController interface {
	// RunningImage reports which image the EC is executing.
	RunningImage() (EcImage, error)

	// ImageHash returns the EC's live hash of the selected region.
	ImageHash(selector EcSelector) ([]byte, error)

	// ExpectedHash returns the hash the main firmware carries for the
	// selected region.
	ExpectedHash(selector EcSelector) ([]byte, error)

	// ExpectedImage returns the replacement image for the selected region.
	ExpectedImage(selector EcSelector) ([]byte, error)

	// UpdateImage reflashes the selected region.
	UpdateImage(selector EcSelector, image []byte) error

	// JumpToRW asks the EC to start executing its RW image.
	JumpToRW() error

	// DisableJump forbids further jumps until the EC resets.
	DisableJump() error

	// Protect write-protects the selected region.
	Protect(selector EcSelector) error

	// SupportsRwAb indicates update-then-switch RW slots.
	SupportsRwAb() bool

	// UpdatesSlowly indicates that a reflash takes long enough that the
	// caller should warn the user first.
	UpdatesSlowly() bool
}

type ecSyncState int

const (
	ecStateInit ecSyncState = iota
	ecStateHashCheckRw
	ecStateUpdateRw
	ecStateJumpRw
	ecStateHashCheckRo
	ecStateUpdateRo
	ecStateProtect
	ecStateDone
)

// rwUpdateTarget returns the region an RW update is written to.
func rwUpdateTarget(ec EcController) EcSelector {
	if ec.SupportsRwAb() == true {
		return EcSelectRWUpdate
	}

	return EcSelectRWActive
}

// compareEcHashes fetches the live and expected hashes for a region and
// reports whether they match. Fetch and size problems carry their recovery
// reason back to the caller.
func compareEcHashes(ec EcController, selector EcSelector) (matches bool, reason RecoveryReason, err error) {
	live, err := ec.ImageHash(selector)
	if err != nil {
		return false, RecoveryEcHash, err
	}

	expected, err := ec.ExpectedHash(selector)
	if err != nil {
		return false, RecoveryEcHash, err
	}

	if len(live) == 0 || len(live) != len(expected) {
		return false, RecoveryEcHashSize, errors.New("hash size mismatch")
	}

	return SafeMemcmp(live, expected), RecoveryNone, nil
}

// updateAndRecheck reflashes a region and confirms the hash took.
func updateAndRecheck(ec EcController, selector EcSelector) (err error) {
	image, err := ec.ExpectedImage(selector)
	if err != nil {
		return err
	}

	err = ec.UpdateImage(selector, image)
	if err != nil {
		return err
	}

	matches, _, err := compareEcHashes(ec, selector)
	if err != nil {
		return err
	}

	if matches != true {
		return errors.New("hash still differs after update")
	}

	return nil
}

// EcSyncPhase1 determines whether the EC needs attention, without touching
// it. After this returns ActionContinue, EcWillUpdateSlowly answers whether
// a wait indicator should be shown before phase 2.
func EcSyncPhase1(ctx *BootContext) (action BootAction, err error) {
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

	if ctx.Shared.Status&StatusEcSyncComplete > 0 {
		return ActionContinue, nil
	}

	ec := ctx.Platform.Ec

	if ec == nil || ctx.Gbb.Flags().DisablesEcSoftwareSync() == true {
		ctx.Shared.Status |= StatusEcSyncDisabled
		return ActionContinue, nil
	}

	running, err := ec.RunningImage()
	if err != nil || running == EcImageUnknown {
		ctx.requestRecovery(RecoveryEcUnknownImage)
		return ActionRebootToRO, nil
	}

	matches, reason, err := compareEcHashes(ec, EcSelectRWActive)
	if err != nil {
		ctx.requestRecovery(reason)
		return ActionRebootToRO, nil
	}

	if matches != true {
		ctx.Shared.Flags |= ContextEcRwNeedsUpdate
	}

	return ActionContinue, nil
}

// EcWillUpdateSlowly indicates whether phase 2 will take long enough that
// the caller should display a wait indicator first. The answer is computed
// before phase 2 starts, and the indicator applies to the run that ends in
// reboot-to-switch-RW as well: the slow write happens before that reboot is
// requested. RO sync is counted conservatively, since its hash check only
// happens after the jump to RW.
func EcWillUpdateSlowly(ctx *BootContext) bool {
	ec := ctx.Platform.Ec

	if ec == nil || ctx.Shared.Status&StatusEcSyncDisabled > 0 {
		return false
	}

	if ec.UpdatesSlowly() != true {
		return false
	}

	if ctx.Shared.Flags&ContextEcRwNeedsUpdate > 0 {
		return true
	}

	return ctx.Nv.Get(NvFieldTryRoSync) != 0
}

// ecSyncStep advances the state machine by one transition. A terminal
// action (anything but ActionContinue) stops the machine.
func ecSyncStep(ctx *BootContext, state ecSyncState) (next ecSyncState, action BootAction, err error) {
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

	ec := ctx.Platform.Ec

	switch state {
	case ecStateUpdateRw:
		if ctx.Shared.Flags&ContextEcRwNeedsUpdate == 0 {
			return ecStateJumpRw, ActionContinue, nil
		}

		target := rwUpdateTarget(ec)

		err = updateAndRecheck(ec, target)
		if err == ErrEcRebootToRORequired {
			return state, ActionRebootToRO, nil
		} else if err != nil {
			ctx.requestRecovery(RecoveryEcUpdate)
			return state, ActionRebootToRO, nil
		}

		ctx.Shared.Flags &^= ContextEcRwNeedsUpdate

		if ec.SupportsRwAb() == true {
			// The new image only runs after the device swaps slots.
			return state, ActionRebootSwitchRW, nil
		}

		return ecStateJumpRw, ActionContinue, nil

	case ecStateJumpRw:
		running, runErr := ec.RunningImage()
		if runErr != nil || running == EcImageUnknown {
			ctx.requestRecovery(RecoveryEcUnknownImage)
			return state, ActionRebootToRO, nil
		}

		if running != EcImageRW {
			err = ec.JumpToRW()
			if err == ErrEcRebootToRORequired {
				// A prior boot disabled further jumps; the EC must reset.
				return state, ActionRebootToRO, nil
			} else if err != nil {
				ctx.requestRecovery(RecoveryEcJumpRw)
				return state, ActionRebootToRO, nil
			}
		}

		ctx.Shared.Status |= StatusEcJumpedToRw

		return ecStateHashCheckRo, ActionContinue, nil

	case ecStateHashCheckRo:
		if ctx.Nv.Get(NvFieldTryRoSync) == 0 {
			return ecStateProtect, ActionContinue, nil
		}

		matches, reason, hashErr := compareEcHashes(ec, EcSelectRO)
		if hashErr != nil {
			ctx.requestRecovery(reason)
			return state, ActionRebootToRO, nil
		}

		if matches != true {
			ctx.Shared.Flags |= ContextEcRoNeedsUpdate
		}

		return ecStateUpdateRo, ActionContinue, nil

	case ecStateUpdateRo:
		if ctx.Shared.Flags&ContextEcRoNeedsUpdate == 0 {
			return ecStateProtect, ActionContinue, nil
		}

		err = updateAndRecheck(ec, EcSelectRO)
		if err == ErrEcRebootToRORequired {
			return state, ActionRebootToRO, nil
		} else if err != nil {
			// Snapshot the recovery request before retrying, so a retry
			// that succeeds does not leave a spurious recovery pending.
			savedRequest := ctx.Nv.Get(NvFieldRecoveryRequest)
			savedSubcode := ctx.Nv.Get(NvFieldRecoverySubcode)
			savedReason := ctx.Shared.RecoveryReason

			ctx.requestRecovery(RecoveryEcUpdate)

			err = updateAndRecheck(ec, EcSelectRO)
			if err == ErrEcRebootToRORequired {
				return state, ActionRebootToRO, nil
			} else if err != nil {
				return state, ActionRebootToRO, nil
			}

			ctx.Nv.Set(NvFieldRecoveryRequest, savedRequest)
			ctx.Nv.Set(NvFieldRecoverySubcode, savedSubcode)
			ctx.Shared.RecoveryReason = savedReason
		}

		ctx.Shared.Flags &^= ContextEcRoNeedsUpdate

		return ecStateProtect, ActionContinue, nil

	case ecStateProtect:
		for _, selector := range []EcSelector{EcSelectRO, EcSelectRWActive} {
			err = ec.Protect(selector)
			if err == ErrEcRebootToRORequired {
				return state, ActionRebootToRO, nil
			} else if err != nil {
				ctx.requestRecovery(RecoveryEcProtect)
				return state, ActionRebootToRO, nil
			}
		}

		return ecStateDone, ActionContinue, nil

	case ecStateDone:
		err = ec.DisableJump()
		if err != nil {
			ctx.requestRecovery(RecoveryEcSoftwareSync)
			return state, ActionRebootToRO, nil
		}

		ctx.Shared.Status |= StatusEcSyncComplete

		return ecStateDone, ActionContinue, nil
	}

	log.Panicf("ec sync step does not handle state (%d)", state)
	return state, ActionContinue, nil
}

// EcSyncPhase2 applies whatever phase 1 found: update, jump, optional RO
// sync, protect. The caller should have consulted EcWillUpdateSlowly and
// shown its wait indicator before entering.
func EcSyncPhase2(ctx *BootContext) (action BootAction, err error) {
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

	if ctx.Shared.Status&StatusEcSyncComplete > 0 {
		return ActionContinue, nil
	}

	if ctx.Shared.Status&StatusEcSyncDisabled > 0 {
		ctx.Shared.Status |= StatusEcSyncComplete
		return ActionContinue, nil
	}

	state := ecStateUpdateRw

	for {
		next, action, err := ecSyncStep(ctx, state)
		if err != nil {
			return action, err
		}

		if action != ActionContinue {
			return action, nil
		}

		if next == ecStateDone && state == ecStateDone {
			return ActionContinue, nil
		}

		state = next
	}
}

// EcSync runs the whole protocol. If the "EC sync complete" status bit is
// already set this boot, the entire state machine is a no-op returning
// success.
func EcSync(ctx *BootContext) (action BootAction, err error) {
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

	if ctx.Shared.Status&StatusEcSyncComplete > 0 {
		return ActionContinue, nil
	}

	action, err = EcSyncPhase1(ctx)
	log.PanicIf(err)

	if action != ActionContinue {
		return action, nil
	}

	action, err = EcSyncPhase2(ctx)
	log.PanicIf(err)

	return action, nil
}
