// This file manages the 16-byte boot-persistent NV record. Fields are
// bit-packed into fixed positions and guarded by a modular-sum checksum in
// the last byte. The record itself is persisted by the platform; this layer
// only decides what the bytes are.

package vboot

import (
	"fmt"

	"github.com/dsoprea/go-logging"
)

const (
	// NvRecordSize is the fixed size of the NV record.
	NvRecordSize = 16
)

const (
	nvHeaderOffset = 0

	// The top two bits of the header byte carry a fixed signature so that a
	// freshly-erased or garbage record never passes as valid.
	nvHeaderMask      = 0xc0
	nvHeaderSignature = 0x40

	// First-use bits: set when the corresponding settings were zeroed and
	// the consumer should re-seed its defaults.
	nvHeaderFirmwareSettingsReset = 0x20
	nvHeaderKernelSettingsReset   = 0x10

	nvBootOffset = 1

	nvBootRecoveryRequest   = 0x80
	nvBootLocalizationMask  = 0x70
	nvBootLocalizationShift = 4
	nvBootTriesMask         = 0x0f

	nvRecoverySubcodeOffset = 2

	nvFirmwareOffset = 3

	nvFirmwareTrySlot        = 0x01
	nvFirmwareTryNext        = 0x02
	nvFirmwareResultMask     = 0x0c
	nvFirmwareResultShift    = 2
	nvFirmwareDisplayRequest = 0x10
	nvFirmwareBootOnAc       = 0x20
	nvFirmwareTryRoSync      = 0x40

	// Bytes 4 through 14 are opaque client storage, still covered by the
	// checksum.
	nvClientOffset = 4
	nvClientSize   = 11

	nvChecksumOffset = 15
)

// FirmwareResult records how the last firmware boot attempt went.
type FirmwareResult uint32

const (
	// ResultUnknown means no outcome has been recorded.
	ResultUnknown FirmwareResult = 0

	// ResultTrying means a boot of the try-slot started but has not yet
	// been confirmed.
	ResultTrying FirmwareResult = 1

	// ResultSuccess means the last attempt verified and booted.
	ResultSuccess FirmwareResult = 2

	// ResultFailure means the last attempt did not verify or did not boot.
	ResultFailure FirmwareResult = 3
)

// String returns a human-readable result name.
func (fr FirmwareResult) String() string {
	switch fr {
	case ResultUnknown:
		return "unknown"
	case ResultTrying:
		return "trying"
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	}

	return fmt.Sprintf("invalid<%d>", uint32(fr))
}

// NvField identifies one bit-packed field of the NV record.
type NvField int

const (
	NvFieldRecoveryRequest NvField = iota
	NvFieldRecoverySubcode
	NvFieldLocalization
	NvFieldTriesRemaining
	NvFieldTrySlot
	NvFieldTryNext
	NvFieldFirmwareResult
	NvFieldDisplayRequest
	NvFieldBootOnAc
	NvFieldTryRoSync
)

// NvContext holds the in-memory copy of the NV record plus the dirty
// tracking that decides whether the platform needs to persist it.
type NvContext struct {
	raw [NvRecordSize]byte

	dirty         bool
	reinitialized bool
}

func nvChecksum(raw []byte) byte {
	sum := byte(0)
	for i := 0; i < nvChecksumOffset; i++ {
		sum += raw[i]
	}

	return sum
}

func (nv *NvContext) reinitialize() {
	for i := 0; i < NvRecordSize; i++ {
		nv.raw[i] = 0
	}

	nv.raw[nvHeaderOffset] = nvHeaderSignature | nvHeaderFirmwareSettingsReset | nvHeaderKernelSettingsReset

	nv.dirty = true
	nv.reinitialized = true
}

// NewNvContext loads an NV record. A record with a bad checksum or a bad
// header signature is zeroed in place, flagged as reinitialized, and marked
// dirty so the caller persists the fresh record.
func NewNvContext(raw []byte) (nv *NvContext) {
	nv = new(NvContext)

	if len(raw) < NvRecordSize {
		nv.reinitialize()
		return nv
	}

	copy(nv.raw[:], raw[:NvRecordSize])

	if nv.raw[nvHeaderOffset]&nvHeaderMask != nvHeaderSignature ||
		nvChecksum(nv.raw[:]) != nv.raw[nvChecksumOffset] {
		nv.reinitialize()
	}

	return nv
}

// Reinitialized indicates whether the record had to be zeroed at load time.
func (nv *NvContext) Reinitialized() bool {
	return nv.reinitialized
}

// Dirty indicates whether the record differs from what was loaded.
func (nv *NvContext) Dirty() bool {
	return nv.dirty
}

func (nv *NvContext) getBit(offset int, mask byte) uint32 {
	if nv.raw[offset]&mask != 0 {
		return 1
	}

	return 0
}

// Get reads one field.
func (nv *NvContext) Get(field NvField) uint32 {
	switch field {
	case NvFieldRecoveryRequest:
		return nv.getBit(nvBootOffset, nvBootRecoveryRequest)
	case NvFieldRecoverySubcode:
		return uint32(nv.raw[nvRecoverySubcodeOffset])
	case NvFieldLocalization:
		return uint32(nv.raw[nvBootOffset]&nvBootLocalizationMask) >> nvBootLocalizationShift
	case NvFieldTriesRemaining:
		return uint32(nv.raw[nvBootOffset] & nvBootTriesMask)
	case NvFieldTrySlot:
		return nv.getBit(nvFirmwareOffset, nvFirmwareTrySlot)
	case NvFieldTryNext:
		return nv.getBit(nvFirmwareOffset, nvFirmwareTryNext)
	case NvFieldFirmwareResult:
		return uint32(nv.raw[nvFirmwareOffset]&nvFirmwareResultMask) >> nvFirmwareResultShift
	case NvFieldDisplayRequest:
		return nv.getBit(nvFirmwareOffset, nvFirmwareDisplayRequest)
	case NvFieldBootOnAc:
		return nv.getBit(nvFirmwareOffset, nvFirmwareBootOnAc)
	case NvFieldTryRoSync:
		return nv.getBit(nvFirmwareOffset, nvFirmwareTryRoSync)
	}

	log.Panicf("unknown NV field: (%d)", field)
	return 0
}

func (nv *NvContext) setByte(offset int, value byte) {
	if nv.raw[offset] == value {
		return
	}

	nv.raw[offset] = value
	nv.dirty = true
}

func (nv *NvContext) setMasked(offset int, mask byte, shift uint, value uint32) {
	updated := nv.raw[offset]&^mask | byte(value<<shift)&mask
	nv.setByte(offset, updated)
}

func (nv *NvContext) setBit(offset int, mask byte, value uint32) {
	if value != 0 {
		nv.setByte(offset, nv.raw[offset]|mask)
	} else {
		nv.setByte(offset, nv.raw[offset]&^mask)
	}
}

// Set writes one field. Values wider than the field are masked down. Writing
// the value a field already holds does not dirty the record.
func (nv *NvContext) Set(field NvField, value uint32) {
	switch field {
	case NvFieldRecoveryRequest:
		nv.setBit(nvBootOffset, nvBootRecoveryRequest, value)
	case NvFieldRecoverySubcode:
		nv.setByte(nvRecoverySubcodeOffset, byte(value))
	case NvFieldLocalization:
		nv.setMasked(nvBootOffset, nvBootLocalizationMask, nvBootLocalizationShift, value)
	case NvFieldTriesRemaining:
		nv.setMasked(nvBootOffset, nvBootTriesMask, 0, value)
	case NvFieldTrySlot:
		nv.setBit(nvFirmwareOffset, nvFirmwareTrySlot, value)
	case NvFieldTryNext:
		nv.setBit(nvFirmwareOffset, nvFirmwareTryNext, value)
	case NvFieldFirmwareResult:
		nv.setMasked(nvFirmwareOffset, nvFirmwareResultMask, nvFirmwareResultShift, value)
	case NvFieldDisplayRequest:
		nv.setBit(nvFirmwareOffset, nvFirmwareDisplayRequest, value)
	case NvFieldBootOnAc:
		nv.setBit(nvFirmwareOffset, nvFirmwareBootOnAc, value)
	case NvFieldTryRoSync:
		nv.setBit(nvFirmwareOffset, nvFirmwareTryRoSync, value)
	default:
		log.Panicf("unknown NV field: (%d)", field)
	}
}

// ClientByte reads one byte of the opaque client region (index 0 through
// 10).
func (nv *NvContext) ClientByte(index int) byte {
	if index < 0 || index >= nvClientSize {
		log.Panicf("client index out of range: (%d)", index)
	}

	return nv.raw[nvClientOffset+index]
}

// SetClientByte writes one byte of the opaque client region.
func (nv *NvContext) SetClientByte(index int, value byte) {
	if index < 0 || index >= nvClientSize {
		log.Panicf("client index out of range: (%d)", index)
	}

	nv.setByte(nvClientOffset+index, value)
}

// CommitIfDirty recomputes the checksum and returns the record bytes along
// with whether the platform must persist them. The dirty flag is cleared;
// the actual write to the NV sink is the caller's job.
func (nv *NvContext) CommitIfDirty() (record []byte, mustPersist bool) {
	if nv.dirty != true {
		return nil, false
	}

	nv.raw[nvChecksumOffset] = nvChecksum(nv.raw[:])
	nv.dirty = false

	record = make([]byte, NvRecordSize)
	copy(record, nv.raw[:])

	return record, true
}

// Bytes returns a copy of the current record with an up-to-date checksum,
// without touching the dirty flag.
func (nv *NvContext) Bytes() []byte {
	record := make([]byte, NvRecordSize)
	copy(record, nv.raw[:])
	record[nvChecksumOffset] = nvChecksum(record)

	return record
}
