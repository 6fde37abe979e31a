package vboot

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestLoadFirmware_BothSlotsValid(t *testing.T) {
	env := newTestEnv()
	ctx := env.newContext(0)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)

	// A is newer and wins; its kernel subkey is published.
	require.Equal(t, SlotA, handoff.Slot)
	require.Equal(t, uint32(0x00020003), handoff.FwVersion)
	require.Equal(t, ActionContinue, handoff.Action)
	require.Equal(t, RecoveryNone, handoff.RecoveryReason)

	require.NotZero(t, ctx.Shared.Status&StatusChoseSlot)
	require.NotZero(t, ctx.Shared.Status&StatusKernelSubkeyPublished)
	require.NotNil(t, ctx.Shared.KernelSubkey)

	// Nothing changed, so nothing was persisted.
	require.Nil(t, env.committedNv)
}

func TestLoadFirmware_SlotACorrupted(t *testing.T) {
	env := newTestEnv()

	env.slots[0].Body = append([]byte(nil), env.slots[0].Body...)
	env.slots[0].Body[0] ^= 0xff

	ctx := env.newContext(0)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)

	// A fails its body signature; B is consulted and wins. No recovery.
	require.Equal(t, SlotB, handoff.Slot)
	require.Equal(t, uint32(0x00020002), handoff.FwVersion)
	require.Equal(t, ActionContinue, handoff.Action)
	require.Equal(t, RecoveryNone, handoff.RecoveryReason)
}

func TestLoadFirmware_BothSlotsCorrupted(t *testing.T) {
	env := newTestEnv()

	for i := range env.slots {
		env.slots[i].Body = append([]byte(nil), env.slots[i].Body...)
		env.slots[i].Body[0] ^= 0xff
	}

	ctx := env.newContext(0)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)

	require.Equal(t, SlotNone, handoff.Slot)
	require.Equal(t, ActionRecovery, handoff.Action)
	require.Equal(t, RecoveryModeBroken, handoff.RecoveryMode)
	require.Equal(t, RecoveryBodySignature, handoff.RecoveryReason)

	// The request survives the reboot through NV.
	require.NotNil(t, env.committedNv)

	nv := NewNvContext(env.committedNv)
	require.False(t, nv.Reinitialized())
	require.Equal(t, uint32(1), nv.Get(NvFieldRecoveryRequest))
	require.Equal(t, uint32(RecoveryBodySignature), nv.Get(NvFieldRecoverySubcode))
	require.Equal(t, uint32(ResultFailure), nv.Get(NvFieldFirmwareResult))
}

func TestLoadFirmware_Rollback(t *testing.T) {
	env := newTestEnv()
	env.secure = newFakeSecureStore(0x00020000, 0, 0)

	// Both slots predate the floor.
	env.slots[0] = env.buildSlot(0x00010005, []byte("firmware-body-slot-a"))
	env.slots[1] = env.buildSlot(0x00010004, []byte("firmware-body-slot-b"))

	ctx := env.newContext(0)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)

	require.Equal(t, SlotNone, handoff.Slot)
	require.Equal(t, ActionRecovery, handoff.Action)
	require.Equal(t, RecoveryRollback, handoff.RecoveryReason)
}

func TestLoadFirmware_OneSlotRolledBack(t *testing.T) {
	env := newTestEnv()
	env.secure = newFakeSecureStore(0x00020000, 0, 0)

	env.slots[0] = env.buildSlot(0x00010005, []byte("firmware-body-slot-a"))

	ctx := env.newContext(0)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)

	// The rolled-back slot is skipped, not consulted.
	require.Equal(t, SlotB, handoff.Slot)
	require.Equal(t, ActionContinue, handoff.Action)
}

func TestLoadFirmware_NvCorruption(t *testing.T) {
	env := newTestEnv()
	env.nvRaw[nvChecksumOffset] ^= 0xff

	ctx := env.newContext(0)

	require.NotZero(t, ctx.Shared.Status&StatusNvReinitialized)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)

	require.Equal(t, ActionContinue, handoff.Action)

	// The fresh record was persisted and reads back clean and zeroed.
	require.NotNil(t, env.committedNv)

	nv := NewNvContext(env.committedNv)
	require.False(t, nv.Reinitialized())
	require.Equal(t, uint32(0), nv.Get(NvFieldRecoveryRequest))
}

func TestLoadFirmware_ManualRecovery(t *testing.T) {
	env := newTestEnv()
	env.nvRaw = testBuildNv(func(nv *NvContext) {
		nv.Set(NvFieldRecoveryRequest, 1)
	})

	ctx := env.newContext(ContextPhysicalPresence)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)

	require.Equal(t, SlotNone, handoff.Slot)
	require.Equal(t, ActionRecovery, handoff.Action)
	require.Equal(t, RecoveryManual, handoff.RecoveryReason)
	require.Equal(t, RecoveryModeManual, handoff.RecoveryMode)
}

func TestLoadFirmware_RecoveryRequestIgnoredByPolicy(t *testing.T) {
	env := newTestEnv()
	env.setGbbFlags(GbbFlagDisableRecoveryRequest)
	env.nvRaw = testBuildNv(func(nv *NvContext) {
		nv.Set(NvFieldRecoveryRequest, 1)
	})

	ctx := env.newContext(0)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)

	require.Equal(t, SlotA, handoff.Slot)
	require.Equal(t, ActionContinue, handoff.Action)
}

func TestLoadFirmware_SecureStorageCorrupt(t *testing.T) {
	env := newTestEnv()
	env.secure.record[0] ^= 0xff

	ctx := env.newContext(0)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)

	require.Equal(t, SlotNone, handoff.Slot)
	require.Equal(t, ActionRecovery, handoff.Action)
	require.Equal(t, RecoverySecureStorage, handoff.RecoveryReason)
}

func TestLoadFirmware_TryFlow(t *testing.T) {
	env := newTestEnv()
	env.nvRaw = testBuildNv(func(nv *NvContext) {
		nv.Set(NvFieldTrySlot, uint32(SlotB))
		nv.Set(NvFieldTriesRemaining, 2)
	})

	ctx := env.newContext(0)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)

	// The try-slot is honored despite A's higher version, and the success
	// is committed.
	require.Equal(t, SlotB, handoff.Slot)
	require.Equal(t, ActionContinue, handoff.Action)

	require.NotNil(t, env.committedNv)

	nv := NewNvContext(env.committedNv)
	require.Equal(t, uint32(1), nv.Get(NvFieldTriesRemaining))
	require.Equal(t, uint32(SlotB), nv.Get(NvFieldTrySlot))
	require.Equal(t, uint32(ResultSuccess), nv.Get(NvFieldFirmwareResult))
}

func TestLoadFirmware_FloorRollsForward(t *testing.T) {
	env := newTestEnv()
	env.secure = newFakeSecureStore(0x00020000, 0, 0)

	ctx := env.newContext(0)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)
	require.Equal(t, ActionContinue, handoff.Action)

	// The floor advances only as far as the older slot can follow.
	sc, err := OpenSecureContext(env.secure)
	require.NoError(t, err)
	require.Equal(t, uint32(0x00020002), sc.FirmwareVersions())

	// The record was locked for the rest of the boot.
	require.True(t, ctx.Secure.Locked())
}

func TestLoadFirmware_DisplayRequest(t *testing.T) {
	env := newTestEnv()
	env.nvRaw = testBuildNv(func(nv *NvContext) {
		nv.Set(NvFieldDisplayRequest, 1)
	})

	ctx := env.newContext(0)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)

	require.True(t, handoff.DisplayRequested)

	// The request is consumed.
	nv := NewNvContext(env.committedNv)
	require.Equal(t, uint32(0), nv.Get(NvFieldDisplayRequest))
}

func TestLoadFirmware_Deterministic(t *testing.T) {
	handoffs := make([]*Handoff, 2)

	for i := 0; i < 2; i++ {
		env := newTestEnv()
		ctx := env.newContext(0)

		handoff, err := LoadFirmware(ctx, env.slots)
		require.NoError(t, err)

		handoffs[i] = handoff
	}

	if diff := cmp.Diff(handoffs[0], handoffs[1]); diff != "" {
		t.Fatalf("identical inputs produced different handoffs:\n%s", diff)
	}
}

func TestLoadFirmware_ThenEcSync(t *testing.T) {
	env := newTestEnv()
	ctx := env.newContext(0)

	handoff, err := LoadFirmware(ctx, env.slots)
	require.NoError(t, err)
	require.Equal(t, ActionContinue, handoff.Action)

	action, err := EcSync(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionContinue, action)

	require.NotZero(t, ctx.Shared.Status&StatusEcSyncComplete)
}
