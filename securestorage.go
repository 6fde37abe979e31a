// This file manages the small integrity-protected record that backs
// rollback enforcement. The platform's cryptographic storage (TPM or
// equivalent) persists the record; this layer owns its layout and the
// monotonicity and lock rules.

package vboot

import (
	"errors"
	"reflect"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	// SecureRecordSize is the fixed size of the secure-storage record.
	SecureRecordSize = 10
)

// Secure-storage flags.
const (
	// SecureFlagLock marks the record locked for the remainder of the boot.
	// Persisted, but cleared when the record is loaded, so clearing it
	// requires a fresh boot.
	SecureFlagLock = uint8(0x01)

	// SecureFlagLastBootGood records that the previous boot verified and
	// handed off successfully.
	SecureFlagLastBootGood = uint8(0x02)
)

var (
	// ErrSecureStorageCorrupt indicates a record that failed its CRC. This
	// is fatal for the boot: the rollback floor can no longer be trusted.
	ErrSecureStorageCorrupt = errors.New("secure storage corrupt")

	// ErrVersionRollback indicates a write that would decrease a version
	// floor.
	ErrVersionRollback = errors.New("secure storage version would decrease")

	// ErrSecureStorageLocked indicates a write after the lock was set.
	ErrSecureStorageLocked = errors.New("secure storage locked")
)

// SecureStore is the capability handle for the platform's integrity-
// protected storage.
type SecureStore interface {
	// Read returns the current record bytes.
	Read() ([]byte, error)

	// Write persists new record bytes.
	Write(record []byte) error
}

// secureRecord is the on-wire layout: two version floors, a flags byte, and
// a CRC-8 over everything before it.
type secureRecord struct {
	FirmwareVersions uint32
	KernelVersions   uint32
	Flags            uint8
	Crc              uint8
}

// crc8 implements CRC-8 with polynomial 0x07, MSB first. The record is tiny
// and read once per boot, so a bitwise loop beats carrying a table.
func crc8(data []byte) byte {
	crc := uint16(0)

	for _, c := range data {
		crc ^= uint16(c) << 8

		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ (0x07 << 8)
			} else {
				crc <<= 1
			}
		}
	}

	return byte(crc >> 8)
}

// SecureContext mediates every access to the secure record. Version writes
// are monotonic, and nothing may be written after Lock.
type SecureContext struct {
	store SecureStore

	rec    secureRecord
	locked bool
	dirty  bool
}

// OpenSecureContext reads and validates the record. A CRC failure is
// returned as ErrSecureStorageCorrupt and must surface as a recovery
// condition. The persisted lock bit is cleared on load: a fresh boot is
// exactly what unlocks the record.
func OpenSecureContext(store SecureStore) (sc *SecureContext, err error) {
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

	raw, err := store.Read()
	if err != nil {
		return nil, ErrSecureStorageCorrupt
	}

	if len(raw) != SecureRecordSize {
		return nil, ErrSecureStorageCorrupt
	}

	rec := secureRecord{}

	err = restruct.Unpack(raw, defaultEncoding, &rec)
	log.PanicIf(err)

	if crc8(raw[:SecureRecordSize-1]) != rec.Crc {
		return nil, ErrSecureStorageCorrupt
	}

	sc = &SecureContext{
		store: store,
		rec:   rec,
	}

	if sc.rec.Flags&SecureFlagLock != 0 {
		sc.rec.Flags &^= SecureFlagLock
		sc.dirty = true
	}

	return sc, nil
}

// FirmwareVersions returns the firmware rollback floor (combined version).
func (sc *SecureContext) FirmwareVersions() uint32 {
	return sc.rec.FirmwareVersions
}

// KernelVersions returns the kernel rollback floor (combined version).
func (sc *SecureContext) KernelVersions() uint32 {
	return sc.rec.KernelVersions
}

// Flags returns the flags byte.
func (sc *SecureContext) Flags() uint8 {
	return sc.rec.Flags
}

// Locked indicates whether the record has been locked this boot.
func (sc *SecureContext) Locked() bool {
	return sc.locked
}

func (sc *SecureContext) checkWritable(current, proposed uint32) error {
	if sc.locked == true {
		return ErrSecureStorageLocked
	}

	if proposed < current {
		return ErrVersionRollback
	}

	return nil
}

// SetFirmwareVersions raises the firmware rollback floor. Decreases and
// post-lock writes are rejected.
func (sc *SecureContext) SetFirmwareVersions(version uint32) (err error) {
	err = sc.checkWritable(sc.rec.FirmwareVersions, version)
	if err != nil {
		return err
	}

	if version != sc.rec.FirmwareVersions {
		sc.rec.FirmwareVersions = version
		sc.dirty = true
	}

	return nil
}

// SetKernelVersions raises the kernel rollback floor. Decreases and
// post-lock writes are rejected.
func (sc *SecureContext) SetKernelVersions(version uint32) (err error) {
	err = sc.checkWritable(sc.rec.KernelVersions, version)
	if err != nil {
		return err
	}

	if version != sc.rec.KernelVersions {
		sc.rec.KernelVersions = version
		sc.dirty = true
	}

	return nil
}

// SetLastBootGood records whether this boot verified successfully.
func (sc *SecureContext) SetLastBootGood(good bool) (err error) {
	if sc.locked == true {
		return ErrSecureStorageLocked
	}

	updated := sc.rec.Flags &^ SecureFlagLastBootGood
	if good == true {
		updated |= SecureFlagLastBootGood
	}

	if updated != sc.rec.Flags {
		sc.rec.Flags = updated
		sc.dirty = true
	}

	return nil
}

// Lock commits any pending changes with the lock bit set and then refuses
// all further writes until the next boot.
func (sc *SecureContext) Lock() (err error) {
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

	if sc.locked == true {
		return nil
	}

	sc.rec.Flags |= SecureFlagLock
	sc.dirty = true

	err = sc.Commit()
	log.PanicIf(err)

	sc.locked = true

	return nil
}

// Commit persists the record through the platform store if it changed.
func (sc *SecureContext) Commit() (err error) {
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

	if sc.dirty != true {
		return nil
	}

	raw, err := restruct.Pack(defaultEncoding, &sc.rec)
	log.PanicIf(err)

	raw[SecureRecordSize-1] = crc8(raw[:SecureRecordSize-1])
	sc.rec.Crc = raw[SecureRecordSize-1]

	err = sc.store.Write(raw)
	log.PanicIf(err)

	sc.dirty = false

	return nil
}
