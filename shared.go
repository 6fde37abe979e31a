// This file defines the per-boot shared state block, the platform
// capability set, and the handoff record that this subsystem terminates
// with. There is exactly one logical actor per boot: everything here is
// single-writer, program-ordered, and lives for the duration of the work
// buffer.

package vboot

import (
	"fmt"

	"github.com/dsoprea/go-logging"
)

// BootAction is the small alphabet of outcomes a caller must surface.
// Reboot-shaped values are flow control, not errors: callers translate them
// into hardware actions rather than catching and converting them.
type BootAction int

const (
	// ActionContinue means keep booting.
	ActionContinue BootAction = iota

	// ActionReboot means an ordinary reboot is required.
	ActionReboot

	// ActionRebootToRO means the EC must be reset to its read-only image
	// before the flow can be restarted.
	ActionRebootToRO

	// ActionRebootSwitchRW means the EC was updated into the inactive RW
	// slot and a cold reset must swap to it.
	ActionRebootSwitchRW

	// ActionRecovery means a recovery reason has been set and the device
	// must reboot into recovery.
	ActionRecovery
)

// String returns a human-readable action name.
func (ba BootAction) String() string {
	switch ba {
	case ActionContinue:
		return "continue"
	case ActionReboot:
		return "reboot"
	case ActionRebootToRO:
		return "reboot-to-RO"
	case ActionRebootSwitchRW:
		return "reboot-to-switch-RW"
	case ActionRecovery:
		return "recovery"
	}

	return "invalid"
}

// FwSlot identifies one of the two redundant firmware regions.
type FwSlot uint8

const (
	// SlotA is the first firmware slot.
	SlotA FwSlot = 0

	// SlotB is the second firmware slot.
	SlotB FwSlot = 1

	// SlotNone means no slot was chosen (recovery).
	SlotNone FwSlot = 0xff
)

// Other returns the opposite slot.
func (fs FwSlot) Other() FwSlot {
	if fs == SlotA {
		return SlotB
	}

	return SlotA
}

// String returns a human-readable slot name.
func (fs FwSlot) String() string {
	switch fs {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	case SlotNone:
		return "none"
	}

	return fmt.Sprintf("slot<%d>", uint8(fs))
}

// StatusFlags records what the boot flow has done so far.
type StatusFlags uint32

const (
	// StatusNvReinitialized means the NV record failed its checksum and was
	// zeroed.
	StatusNvReinitialized StatusFlags = 1 << iota

	// StatusSecureOpened means secure storage was read and validated.
	StatusSecureOpened

	// StatusChoseSlot means the selector committed to a slot.
	StatusChoseSlot

	// StatusVerifiedSlot means the chosen slot passed the full pipeline.
	StatusVerifiedSlot

	// StatusKernelSubkeyPublished means the kernel stage key is available
	// in the shared state.
	StatusKernelSubkeyPublished

	// StatusEcJumpedToRw means the EC is running its RW image.
	StatusEcJumpedToRw

	// StatusEcSyncComplete means the EC sync state machine reached DONE
	// this boot. A second invocation is a no-op.
	StatusEcSyncComplete

	// StatusEcSyncDisabled means EC sync was skipped by policy or because
	// the platform has no EC.
	StatusEcSyncDisabled
)

// ContextFlags records what the boot flow has decided (or been told) about
// this boot.
type ContextFlags uint32

const (
	// ContextDeveloperMode means the developer switch is on (or forced by
	// GBB policy).
	ContextDeveloperMode ContextFlags = 1 << iota

	// ContextRecoveryMode means this boot is a recovery boot.
	ContextRecoveryMode

	// ContextPhysicalPresence means the physical recovery signal was
	// asserted at power-on.
	ContextPhysicalPresence

	// ContextEcRwNeedsUpdate means the EC's RW hash did not match the
	// expected hash.
	ContextEcRwNeedsUpdate

	// ContextEcRoNeedsUpdate means the EC's RO hash did not match the
	// expected hash.
	ContextEcRoNeedsUpdate
)

const (
	// SharedStateMagic identifies a live shared-state block.
	SharedStateMagic = uint32(0x53534256) // "VBSS"

	// SharedStateVersion is bumped when the block layout changes.
	SharedStateVersion = uint32(1)

	// sharedStateReserve is the region reserved for the block at the head
	// of the work buffer.
	sharedStateReserve = 64
)

// SharedState is the process-wide block at the start of the work buffer. It
// is constructed by initialization, mutated only by the core subsystems,
// and goes away with the work buffer.
type SharedState struct {
	Magic   uint32
	Version uint32

	// RecoveryReason is zero until some subsystem requests recovery.
	RecoveryReason RecoveryReason

	// LastSlot is the slot the previous boot ran, when known.
	LastSlot FwSlot

	// ThisSlot is the slot chosen for this boot.
	ThisSlot FwSlot

	// LastResult is the previous boot's outcome.
	LastResult FirmwareResult

	// FwVersion is the combined version of the verified slot.
	FwVersion uint32

	// SecureFwVersion mirrors the rollback floor read from secure storage.
	SecureFwVersion uint32

	// Status is what we've done; Flags is what we've decided.
	Status StatusFlags
	Flags  ContextFlags

	// GbbOffset is the offset of the GBB inside the flash image, for
	// diagnostics.
	GbbOffset uint32

	// KernelSubkey is published by the verification pipeline for the later
	// kernel stage. It points into the work buffer.
	KernelSubkey *PackedKey

	// Scratch offsets for the in-flight verification.
	dataKeyOffset  int
	preambleOffset int

	wb *WorkBuffer
}

// NewSharedState reserves the shared-state region at the head of the work
// buffer and returns the block. The buffer must be fresh: the block claims
// its first bytes.
func NewSharedState(wb *WorkBuffer) (ss *SharedState, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if wb.Used() != 0 {
		log.Panicf("shared state must claim the head of the work buffer")
	}

	_, err = wb.Alloc(sharedStateReserve)
	if err != nil {
		return nil, err
	}

	ss = &SharedState{
		Magic:      SharedStateMagic,
		Version:    SharedStateVersion,
		LastSlot:   SlotNone,
		ThisSlot:   SlotNone,
		LastResult: ResultUnknown,

		wb: wb,
	}

	return ss, nil
}

// WorkBuffer returns the allocator backing this boot.
func (ss *SharedState) WorkBuffer() *WorkBuffer {
	return ss.wb
}

// Platform is the capability set handed in at initialization. Each handle
// is narrow and optional where hardware can be absent; "unsupported" from a
// capability is a first-class value distinct from "failed".
type Platform struct {
	// Crypto is the hardware crypto engine, or nil.
	Crypto HardwareCrypto

	// Ec is the embedded-controller channel, or nil when the device has no
	// synchronized EC.
	Ec EcController

	// Secure is the integrity-protected storage.
	Secure SecureStore

	// CommitNv persists a dirty NV record. The core never writes flash
	// itself.
	CommitNv func(record []byte) error
}

// BootContext is the single context value threaded through every operation
// of a boot. There is no ambient state.
type BootContext struct {
	Shared   *SharedState
	Nv       *NvContext
	Secure   *SecureContext
	Gbb      *Gbb
	Platform Platform
}

// DeveloperMode indicates whether this boot is a developer boot.
func (ctx *BootContext) DeveloperMode() bool {
	return ctx.Shared.Flags&ContextDeveloperMode > 0
}

// RecoveryMode indicates whether this boot is a recovery boot.
func (ctx *BootContext) RecoveryMode() bool {
	return ctx.Shared.Flags&ContextRecoveryMode > 0
}

// requestRecovery records a recovery reason in the shared state and in NV
// so it survives the reboot. The first reason wins; later calls only fill
// the subcode if nothing was recorded yet.
func (ctx *BootContext) requestRecovery(reason RecoveryReason) {
	if ctx.Shared.RecoveryReason == RecoveryNone {
		ctx.Shared.RecoveryReason = reason
	}

	ctx.Nv.Set(NvFieldRecoveryRequest, 1)

	if ctx.Nv.Get(NvFieldRecoverySubcode) == 0 {
		ctx.Nv.Set(NvFieldRecoverySubcode, uint32(reason))
	}
}

// CommitNv persists the NV record through the platform sink if it changed.
func (ctx *BootContext) CommitNv() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	record, mustPersist := ctx.Nv.CommitIfDirty()
	if mustPersist != true {
		return nil
	}

	if ctx.Platform.CommitNv == nil {
		log.Panicf("NV record is dirty but the platform has no NV sink")
	}

	err = ctx.Platform.CommitNv(record)
	log.PanicIf(err)

	return nil
}

// Handoff is the record this subsystem terminates with. The caller
// translates the action into a hardware action and, on ActionContinue,
// jumps into the chosen firmware.
type Handoff struct {
	// Slot is the verified slot, or SlotNone for recovery.
	Slot FwSlot

	// FwVersion is the combined version of the verified slot.
	FwVersion uint32

	// RecoveryReason is zero unless Action is ActionRecovery.
	RecoveryReason RecoveryReason

	// RecoveryMode distinguishes manual from broken recovery.
	RecoveryMode RecoveryMode

	// Action is what the caller must do next.
	Action BootAction

	// DisplayRequested means firmware UI asked for the display to be
	// initialized on this boot.
	DisplayRequested bool
}

// String returns a description of the handoff.
func (h *Handoff) String() string {
	return fmt.Sprintf("Handoff<SLOT=[%s] VERSION=(0x%08x) ACTION=[%s] RECOVERY=[%s]>",
		h.Slot, h.FwVersion, h.Action, h.RecoveryReason)
}
