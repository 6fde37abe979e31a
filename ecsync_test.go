package vboot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEcSync_NoEc(t *testing.T) {
	env := newTestEnv()
	env.ec = nil

	ctx := env.newContext(0)
	ctx.Platform.Ec = nil

	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionContinue, action)
	require.NotZero(t, ctx.Shared.Status&StatusEcSyncDisabled)
	require.NotZero(t, ctx.Shared.Status&StatusEcSyncComplete)
}

func TestEcSync_DisabledByPolicy(t *testing.T) {
	env := newTestEnv()
	env.setGbbFlags(GbbFlagDisableEcSoftwareSync)

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionContinue, action)
	require.Zero(t, env.ec.jumps)
	require.Empty(t, env.ec.protects)
}

func TestEcSync_InSync(t *testing.T) {
	env := newTestEnv()
	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionContinue, action)

	// The EC was jumped into RW and both regions were protected.
	require.True(t, env.ec.jumpsToRw)
	require.Equal(t, []EcSelector{EcSelectRO, EcSelectRWActive}, env.ec.protects)
	require.Equal(t, 1, env.ec.disables)
	require.Empty(t, env.ec.updates)

	require.NotZero(t, ctx.Shared.Status&StatusEcSyncComplete)
	require.NotZero(t, ctx.Shared.Status&StatusEcJumpedToRw)
}

func TestEcSync_Idempotent(t *testing.T) {
	env := newTestEnv()
	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionContinue, action)

	jumps := env.ec.jumps
	protects := len(env.ec.protects)
	disables := env.ec.disables

	// The second invocation is a no-op returning success.
	action, err = EcSync(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionContinue, action)

	require.Equal(t, jumps, env.ec.jumps)
	require.Len(t, env.ec.protects, protects)
	require.Equal(t, disables, env.ec.disables)
}

func TestEcSync_UnknownImage(t *testing.T) {
	env := newTestEnv()
	env.ec.runningErr = errors.New("no response")

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionRebootToRO, action)
	require.Equal(t, RecoveryEcUnknownImage, ctx.Shared.RecoveryReason)
	require.Equal(t, uint32(1), ctx.Nv.Get(NvFieldRecoveryRequest))
}

func TestEcSync_RwUpdateInPlace(t *testing.T) {
	env := newTestEnv()
	env.ec.setStale(EcSelectRWActive)

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	// A non-A/B device updates in place and proceeds to jump and protect.
	require.Equal(t, ActionContinue, action)
	require.Equal(t, []EcSelector{EcSelectRWActive}, env.ec.updates)
	require.True(t, env.ec.jumpsToRw)
	require.NotZero(t, ctx.Shared.Status&StatusEcSyncComplete)
}

func TestEcSync_RwUpdateAbSwitch(t *testing.T) {
	env := newTestEnv()
	env.ec.supportsAb = true
	env.ec.setStale(EcSelectRWActive)

	ctx := env.newContext(0)

	// First boot: the inactive slot is written and the device must swap.
	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionRebootSwitchRW, action)
	require.Equal(t, []EcSelector{EcSelectRWUpdate}, env.ec.updates)
	require.Zero(t, ctx.Shared.Status&StatusEcSyncComplete)
	require.Zero(t, env.ec.jumps)

	// Simulate the cold reset and slot swap.
	env.ec.liveHashes[EcSelectRWActive] = append([]byte(nil), env.ec.expectedHashes[EcSelectRWActive]...)
	env.ec.running = EcImageRO

	ctx2 := env.newContext(0)

	action, err = EcSync(ctx2)
	require.NoError(t, err)

	require.Equal(t, ActionContinue, action)
	require.True(t, env.ec.jumpsToRw)
	require.Equal(t, []EcSelector{EcSelectRO, EcSelectRWActive}, env.ec.protects)
	require.NotZero(t, ctx2.Shared.Status&StatusEcSyncComplete)
}

func TestEcSync_RwUpdateFails(t *testing.T) {
	env := newTestEnv()
	env.ec.setStale(EcSelectRWActive)
	env.ec.updateFailures = 10

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionRebootToRO, action)
	require.Equal(t, RecoveryEcUpdate, ctx.Shared.RecoveryReason)
}

func TestEcSync_RoSyncRetrySucceeds(t *testing.T) {
	env := newTestEnv()
	env.nvRaw = testBuildNv(func(nv *NvContext) {
		nv.Set(NvFieldTryRoSync, 1)
	})

	env.ec.setStale(EcSelectRO)
	env.ec.updateFailures = 1

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	// The first write failed, the retry took, and the snapshot put the
	// recovery request back the way it was.
	require.Equal(t, ActionContinue, action)
	require.Equal(t, []EcSelector{EcSelectRO, EcSelectRO}, env.ec.updates)
	require.Equal(t, uint32(0), ctx.Nv.Get(NvFieldRecoveryRequest))
	require.Equal(t, RecoveryNone, ctx.Shared.RecoveryReason)
	require.NotZero(t, ctx.Shared.Status&StatusEcSyncComplete)
}

func TestEcSync_RoSyncRetriesExhausted(t *testing.T) {
	env := newTestEnv()
	env.nvRaw = testBuildNv(func(nv *NvContext) {
		nv.Set(NvFieldTryRoSync, 1)
	})

	env.ec.setStale(EcSelectRO)
	env.ec.updateFailures = 2

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionRebootToRO, action)
	require.Equal(t, RecoveryEcUpdate, ctx.Shared.RecoveryReason)
	require.Equal(t, uint32(1), ctx.Nv.Get(NvFieldRecoveryRequest))
}

func TestEcSync_JumpDisabledPropagates(t *testing.T) {
	env := newTestEnv()
	env.ec.jumpErr = ErrEcRebootToRORequired

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	// Propagated unchanged: no recovery reason is set.
	require.Equal(t, ActionRebootToRO, action)
	require.Equal(t, RecoveryNone, ctx.Shared.RecoveryReason)
	require.Equal(t, uint32(0), ctx.Nv.Get(NvFieldRecoveryRequest))
}

func TestEcSync_JumpFails(t *testing.T) {
	env := newTestEnv()
	env.ec.jumpErr = errors.New("jump refused")

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionRebootToRO, action)
	require.Equal(t, RecoveryEcJumpRw, ctx.Shared.RecoveryReason)
}

func TestEcSync_ProtectRebootPropagates(t *testing.T) {
	env := newTestEnv()
	env.ec.protectErr = ErrEcRebootToRORequired

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionRebootToRO, action)
	require.Equal(t, RecoveryNone, ctx.Shared.RecoveryReason)
}

func TestEcSync_ProtectFails(t *testing.T) {
	env := newTestEnv()
	env.ec.protectErr = errors.New("protect refused")

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionRebootToRO, action)
	require.Equal(t, RecoveryEcProtect, ctx.Shared.RecoveryReason)
}

func TestEcSync_HashFetchFails(t *testing.T) {
	env := newTestEnv()
	env.ec.hashErr = errors.New("bus timeout")

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionRebootToRO, action)
	require.Equal(t, RecoveryEcHash, ctx.Shared.RecoveryReason)
}

func TestEcSync_HashSizeMismatch(t *testing.T) {
	env := newTestEnv()
	env.ec.liveHashes[EcSelectRWActive] = []byte("short")

	ctx := env.newContext(0)

	action, err := EcSync(ctx)
	require.NoError(t, err)

	require.Equal(t, ActionRebootToRO, action)
	require.Equal(t, RecoveryEcHashSize, ctx.Shared.RecoveryReason)
}

func TestEcWillUpdateSlowly(t *testing.T) {
	env := newTestEnv()
	env.ec.slow = true
	env.ec.setStale(EcSelectRWActive)

	ctx := env.newContext(0)

	action, err := EcSyncPhase1(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionContinue, action)

	require.True(t, EcWillUpdateSlowly(ctx))
}

func TestEcWillUpdateSlowly_FastEc(t *testing.T) {
	env := newTestEnv()
	env.ec.setStale(EcSelectRWActive)

	ctx := env.newContext(0)

	action, err := EcSyncPhase1(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionContinue, action)

	require.False(t, EcWillUpdateSlowly(ctx))
}

func TestEcWillUpdateSlowly_NothingToDo(t *testing.T) {
	env := newTestEnv()
	env.ec.slow = true

	ctx := env.newContext(0)

	action, err := EcSyncPhase1(ctx)
	require.NoError(t, err)
	require.Equal(t, ActionContinue, action)

	require.False(t, EcWillUpdateSlowly(ctx))
}
