package vboot

import (
	"testing"
)

func TestOpenSecureContext(t *testing.T) {
	store := newFakeSecureStore(0x00020000, 0x00010001, SecureFlagLastBootGood)

	sc, err := OpenSecureContext(store)
	if err != nil {
		panic(err)
	}

	if sc.FirmwareVersions() != 0x00020000 {
		t.Fatalf("firmware versions not correct: (0x%08x)", sc.FirmwareVersions())
	}

	if sc.KernelVersions() != 0x00010001 {
		t.Fatalf("kernel versions not correct: (0x%08x)", sc.KernelVersions())
	}

	if sc.Flags()&SecureFlagLastBootGood == 0 {
		t.Fatalf("last-boot-good flag lost")
	}
}

func TestOpenSecureContext_Corrupt(t *testing.T) {
	store := newFakeSecureStore(0, 0, 0)
	store.record[0] ^= 0xff

	_, err := OpenSecureContext(store)
	if err != ErrSecureStorageCorrupt {
		t.Fatalf("corrupt record not detected: %v", err)
	}
}

func TestOpenSecureContext_WrongSize(t *testing.T) {
	store := &fakeSecureStore{
		record: make([]byte, SecureRecordSize-1),
	}

	_, err := OpenSecureContext(store)
	if err != ErrSecureStorageCorrupt {
		t.Fatalf("truncated record not detected: %v", err)
	}
}

func TestSecureContext_Monotonicity(t *testing.T) {
	store := newFakeSecureStore(0x00020000, 0, 0)

	sc, err := OpenSecureContext(store)
	if err != nil {
		panic(err)
	}

	err = sc.SetFirmwareVersions(0x00010000)
	if err != ErrVersionRollback {
		t.Fatalf("decreasing write not rejected: %v", err)
	}

	err = sc.SetFirmwareVersions(0x00020005)
	if err != nil {
		t.Fatalf("increasing write rejected: %s", err)
	}

	err = sc.Commit()
	if err != nil {
		panic(err)
	}

	// The committed record reads back.
	sc2, err := OpenSecureContext(store)
	if err != nil {
		panic(err)
	}

	if sc2.FirmwareVersions() != 0x00020005 {
		t.Fatalf("committed version lost: (0x%08x)", sc2.FirmwareVersions())
	}
}

func TestSecureContext_Lock(t *testing.T) {
	store := newFakeSecureStore(0x00020000, 0, 0)

	sc, err := OpenSecureContext(store)
	if err != nil {
		panic(err)
	}

	err = sc.Lock()
	if err != nil {
		panic(err)
	}

	if sc.Locked() != true {
		t.Fatalf("lock not recorded")
	}

	err = sc.SetFirmwareVersions(0x00030000)
	if err != ErrSecureStorageLocked {
		t.Fatalf("post-lock write not rejected: %v", err)
	}

	err = sc.SetKernelVersions(0x00030000)
	if err != ErrSecureStorageLocked {
		t.Fatalf("post-lock kernel write not rejected: %v", err)
	}

	err = sc.SetLastBootGood(true)
	if err != ErrSecureStorageLocked {
		t.Fatalf("post-lock flag write not rejected: %v", err)
	}
}

func TestSecureContext_LockClearsOnLoad(t *testing.T) {
	store := newFakeSecureStore(0x00020000, 0, 0)

	sc, err := OpenSecureContext(store)
	if err != nil {
		panic(err)
	}

	err = sc.Lock()
	if err != nil {
		panic(err)
	}

	// The persisted record carries the lock bit.
	if store.record[8]&SecureFlagLock == 0 {
		t.Fatalf("lock bit not persisted")
	}

	// A fresh boot clears it and may write again.
	sc2, err := OpenSecureContext(store)
	if err != nil {
		panic(err)
	}

	if sc2.Locked() == true {
		t.Fatalf("lock survived a reload")
	}

	err = sc2.SetFirmwareVersions(0x00030000)
	if err != nil {
		t.Fatalf("fresh boot could not write: %s", err)
	}
}

func TestSecureContext_CommitIsIdempotent(t *testing.T) {
	store := newFakeSecureStore(0x00020000, 0, 0)

	sc, err := OpenSecureContext(store)
	if err != nil {
		panic(err)
	}

	writesBefore := store.writes

	err = sc.Commit()
	if err != nil {
		panic(err)
	}

	if store.writes != writesBefore {
		t.Fatalf("clean commit still wrote")
	}
}

func TestCrc8(t *testing.T) {
	// All-zero input has an all-zero CRC, which makes a zeroed record
	// valid by construction.
	if crc8(make([]byte, 9)) != 0 {
		t.Fatalf("zero CRC not correct")
	}

	if crc8([]byte{0x01}) == crc8([]byte{0x02}) {
		t.Fatalf("CRC does not discriminate")
	}
}
