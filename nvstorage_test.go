package vboot

import (
	"bytes"
	"testing"
)

func TestNvContext_RoundTrip(t *testing.T) {
	cases := []struct {
		field NvField
		value uint32
	}{
		{NvFieldRecoveryRequest, 1},
		{NvFieldRecoverySubcode, 0x5a},
		{NvFieldLocalization, 5},
		{NvFieldTriesRemaining, 9},
		{NvFieldTrySlot, 1},
		{NvFieldTryNext, 1},
		{NvFieldFirmwareResult, uint32(ResultFailure)},
		{NvFieldDisplayRequest, 1},
		{NvFieldBootOnAc, 1},
		{NvFieldTryRoSync, 1},
	}

	for _, c := range cases {
		nv := NewNvContext(testBuildNv(nil))

		nv.Set(c.field, c.value)

		if nv.Get(c.field) != c.value {
			t.Fatalf("field (%d) did not round-trip: (%d)", c.field, nv.Get(c.field))
		}

		if nv.Dirty() != true {
			t.Fatalf("field (%d) write did not dirty the record", c.field)
		}

		// Round-trip through the committed bytes.
		record, mustPersist := nv.CommitIfDirty()
		if mustPersist != true {
			t.Fatalf("commit did not signal persistence")
		}

		nv2 := NewNvContext(record)
		if nv2.Reinitialized() == true {
			t.Fatalf("committed record failed its checksum")
		}

		if nv2.Get(c.field) != c.value {
			t.Fatalf("field (%d) lost across commit: (%d)", c.field, nv2.Get(c.field))
		}
	}
}

func TestNvContext_IdempotentWrite(t *testing.T) {
	nv := NewNvContext(testBuildNv(func(nv *NvContext) {
		nv.Set(NvFieldTriesRemaining, 3)
	}))

	if nv.Dirty() == true {
		t.Fatalf("freshly-loaded record should be clean")
	}

	nv.Set(NvFieldTriesRemaining, 3)

	if nv.Dirty() == true {
		t.Fatalf("writing an unchanged value dirtied the record")
	}
}

func TestNvContext_BadChecksum(t *testing.T) {
	raw := testBuildNv(func(nv *NvContext) {
		nv.Set(NvFieldRecoverySubcode, 0x42)
	})

	raw[nvChecksumOffset] ^= 0xff

	nv := NewNvContext(raw)

	if nv.Reinitialized() != true {
		t.Fatalf("bad checksum not detected")
	}

	if nv.Dirty() != true {
		t.Fatalf("reinitialized record must need a commit")
	}

	// Subsequent reads return zeros.
	if nv.Get(NvFieldRecoverySubcode) != 0 {
		t.Fatalf("reinitialized record not zeroed")
	}

	record, mustPersist := nv.CommitIfDirty()
	if mustPersist != true {
		t.Fatalf("fresh record not flagged for persistence")
	}

	nv2 := NewNvContext(record)
	if nv2.Reinitialized() == true {
		t.Fatalf("fresh record failed its checksum")
	}
}

func TestNvContext_BadHeader(t *testing.T) {
	raw := testBuildNv(nil)
	raw[nvHeaderOffset] = 0x80
	raw[nvChecksumOffset] = nvChecksum(raw)

	nv := NewNvContext(raw)
	if nv.Reinitialized() != true {
		t.Fatalf("bad header signature not detected")
	}
}

func TestNvContext_ShortRecord(t *testing.T) {
	nv := NewNvContext([]byte{0x40})
	if nv.Reinitialized() != true {
		t.Fatalf("short record not reinitialized")
	}
}

func TestNvContext_FieldMasking(t *testing.T) {
	nv := NewNvContext(testBuildNv(nil))

	// Tries is a 4-bit field.
	nv.Set(NvFieldTriesRemaining, 0xff)
	if nv.Get(NvFieldTriesRemaining) != 0x0f {
		t.Fatalf("tries not masked: (%d)", nv.Get(NvFieldTriesRemaining))
	}

	// Neighboring fields are untouched.
	if nv.Get(NvFieldRecoveryRequest) != 0 || nv.Get(NvFieldLocalization) != 0 {
		t.Fatalf("masked write spilled into neighbors")
	}
}

func TestNvContext_ClientBytes(t *testing.T) {
	nv := NewNvContext(testBuildNv(nil))

	for i := 0; i < nvClientSize; i++ {
		nv.SetClientByte(i, byte(0xa0+i))
	}

	record, _ := nv.CommitIfDirty()

	nv2 := NewNvContext(record)

	for i := 0; i < nvClientSize; i++ {
		if nv2.ClientByte(i) != byte(0xa0+i) {
			t.Fatalf("client byte (%d) lost", i)
		}
	}
}

func TestNvContext_Bytes(t *testing.T) {
	nv := NewNvContext(testBuildNv(nil))

	nv.Set(NvFieldBootOnAc, 1)

	// Bytes carries the change with a fresh checksum but leaves the dirty
	// flag alone.
	raw := nv.Bytes()
	if nvChecksum(raw) != raw[nvChecksumOffset] {
		t.Fatalf("checksum not recomputed")
	}

	if nv.Dirty() != true {
		t.Fatalf("Bytes must not clear the dirty flag")
	}

	if bytes.Equal(raw, testBuildNv(nil)) == true {
		t.Fatalf("change not reflected")
	}
}
