// This file manages the low-level, on-flash container structures: packed
// public keys, signatures, key blocks, and firmware preambles. Parsing never
// copies: every Open call validates bounds and returns a borrow-style view
// over the caller's bytes. Mutating the backing bytes while a view is live
// is undefined behavior.

package vboot

import (
	"bytes"
	"errors"
	"reflect"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

var (
	defaultEncoding = binary.LittleEndian
)

const (
	packedKeyHeaderSize = 32
	signatureHeaderSize = 16
	keyBlockHeaderSize  = 68
	preambleHeaderSize  = 84

	// Offsets of the nested structures inside their containers. These are
	// fixed by the layout; the variable parts (key bytes, signature bytes)
	// float behind them and carry their own offsets.
	keyBlockDataKeyOffset   = 20
	keyBlockSignatureOffset = 52
	preambleSubkeyOffset    = 20
	preambleBodySigOffset   = 52
	preambleSignatureOffset = 68

	keyBlockVersionMajor = 1
	keyBlockVersionMinor = 0
	preambleVersionMajor = 1
	preambleVersionMinor = 0
)

var (
	requiredKeyBlockMagic = []byte("VBKEYBLK")
)

var (
	// ErrBadMagic indicates that a container does not carry its required
	// magic value.
	ErrBadMagic = errors.New("bad container magic")

	// ErrIncompatibleVersion indicates that a container's header version is
	// not one this implementation can parse (major must match, minor must be
	// at least the required minimum).
	ErrIncompatibleVersion = errors.New("incompatible header version")

	// ErrUnsupportedAlgorithm indicates an algorithm tag outside the closed
	// enum.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// Algorithm pairs a signature scheme with a hash scheme. The enum is closed:
// any other value is rejected during parsing.
type Algorithm uint32

const (
	AlgorithmRsa1024Sha1 Algorithm = iota
	AlgorithmRsa1024Sha256
	AlgorithmRsa1024Sha512
	AlgorithmRsa2048Sha1
	AlgorithmRsa2048Sha256
	AlgorithmRsa2048Sha512
	AlgorithmRsa4096Sha1
	AlgorithmRsa4096Sha256
	AlgorithmRsa4096Sha512
	AlgorithmRsa8192Sha1
	AlgorithmRsa8192Sha256
	AlgorithmRsa8192Sha512

	algorithmCount
)

// IsValid indicates whether the algorithm tag is inside the closed enum.
func (a Algorithm) IsValid() bool {
	return a < algorithmCount
}

// SignatureSize returns the RSA signature (and modulus) size in bytes.
func (a Algorithm) SignatureSize() int {
	switch a / 3 {
	case 0:
		return 128
	case 1:
		return 256
	case 2:
		return 512
	case 3:
		return 1024
	}

	return 0
}

// DigestSize returns the hash digest size in bytes.
func (a Algorithm) DigestSize() int {
	switch a % 3 {
	case 0:
		return 20
	case 1:
		return 32
	case 2:
		return 64
	}

	return 0
}

// String returns a human-readable name like "RSA2048/SHA-256".
func (a Algorithm) String() string {
	if a.IsValid() != true {
		return "RSA?/SHA?"
	}

	rsaNames := []string{"RSA1024", "RSA2048", "RSA4096", "RSA8192"}
	shaNames := []string{"SHA-1", "SHA-256", "SHA-512"}

	return rsaNames[a/3] + "/" + shaNames[a%3]
}

// PackedKeyHeader is the fixed 32-byte header of a packed public key. The
// key bytes float behind the header at KeyOffset (relative to the start of
// this structure).
type PackedKeyHeader struct {
	// KeyOffset is the offset of the key data, relative to the start of
	// this structure. The region it describes must lie inside the parent
	// container and must not overlap this header.
	KeyOffset uint32

	// Reserved0 must be preserved but is not interpreted.
	Reserved0 uint32

	// KeySize is the size of the key data in bytes.
	KeySize uint32

	// Reserved1 must be preserved but is not interpreted.
	Reserved1 uint32

	// Algorithm selects the signature and hash scheme from the closed enum.
	Algorithm uint32

	// Reserved2 must be preserved but is not interpreted.
	Reserved2 uint32

	// KeyVersion holds the 16-bit key epoch in the low half. The high half
	// is reserved.
	KeyVersion uint32

	// Reserved3 must be preserved but is not interpreted.
	Reserved3 uint32
}

// PackedKey is a validated, borrow-style view over a packed public key.
type PackedKey struct {
	header PackedKeyHeader

	raw    []byte
	offset uint32
}

// Algorithm returns the key's algorithm tag.
func (pk *PackedKey) Algorithm() Algorithm {
	return Algorithm(pk.header.Algorithm)
}

// Version returns the 16-bit key epoch.
func (pk *PackedKey) Version() uint16 {
	return uint16(pk.header.KeyVersion & 0xffff)
}

// KeyData returns the raw key material.
func (pk *PackedKey) KeyData() []byte {
	start := pk.offset + pk.header.KeyOffset
	return pk.raw[start : start+pk.header.KeySize]
}

// Extent returns the total number of container bytes this key spans,
// measured from the start of its header to the end of its key data.
func (pk *PackedKey) Extent() uint32 {
	return pk.header.KeyOffset + pk.header.KeySize
}

// String returns a description of the key.
func (pk *PackedKey) String() string {
	return "PackedKey<ALG=[" + pk.Algorithm().String() + "]>"
}

func unpackStruct(raw []byte, size int, x interface{}) (err error) {
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

	if len(raw) < size {
		log.Panicf("structure truncated: (%d) < (%d)", len(raw), size)
	}

	err = restruct.Unpack(raw[:size], defaultEncoding, x)
	log.PanicIf(err)

	return nil
}

// openPackedKeyAt validates a packed key whose header sits at structOffset
// inside the parent region, bounding every check by parentSize.
func openPackedKeyAt(raw []byte, structOffset, parentSize uint32) (pk *PackedKey, err error) {
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

	err = CheckMember(uint64(parentSize), uint64(structOffset), packedKeyHeaderSize)
	if err != nil {
		return nil, err
	}

	header := PackedKeyHeader{}

	err = unpackStruct(raw[structOffset:], packedKeyHeaderSize, &header)
	log.PanicIf(err)

	err = CheckData(uint64(parentSize), uint64(structOffset), packedKeyHeaderSize, uint64(header.KeyOffset), uint64(header.KeySize))
	if err != nil {
		return nil, err
	}

	if Algorithm(header.Algorithm).IsValid() != true {
		return nil, ErrUnsupportedAlgorithm
	}

	pk = &PackedKey{
		header: header,
		raw:    raw,
		offset: structOffset,
	}

	return pk, nil
}

// OpenPackedKey validates a standalone packed key occupying the whole of
// raw and returns a view over it.
func OpenPackedKey(raw []byte) (pk *PackedKey, err error) {
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

	pk, err = openPackedKeyAt(raw, 0, uint32(len(raw)))
	log.PanicIf(err)

	return pk, nil
}

// SignatureHeader is the fixed 16-byte header of a signature. The signature
// bytes float behind the header at SigOffset (relative to the start of this
// structure).
type SignatureHeader struct {
	// SignedOffset is the offset of the covered plaintext, relative to the
	// start of the region the signature applies to.
	SignedOffset uint32

	// SignedSize is the number of plaintext bytes the signature covers.
	SignedSize uint32

	// SigOffset is the offset of the signature bytes, relative to the start
	// of this structure.
	SigOffset uint32

	// SigSize is the size of the signature bytes.
	SigSize uint32
}

// SignatureView is a validated, borrow-style view over a signature.
type SignatureView struct {
	header SignatureHeader

	raw    []byte
	offset uint32
}

// SignedOffset returns the offset of the covered plaintext within the
// signed region.
func (sv *SignatureView) SignedOffset() uint32 {
	return sv.header.SignedOffset
}

// SignedSize returns the number of plaintext bytes the signature covers.
func (sv *SignatureView) SignedSize() uint32 {
	return sv.header.SignedSize
}

// SigData returns the raw signature bytes.
func (sv *SignatureView) SigData() []byte {
	start := sv.offset + sv.header.SigOffset
	return sv.raw[start : start+sv.header.SigSize]
}

// sigDataStart returns the container-relative offset of the signature bytes.
func (sv *SignatureView) sigDataStart() uint32 {
	return sv.offset + sv.header.SigOffset
}

func openSignatureAt(raw []byte, structOffset, parentSize uint32) (sv *SignatureView, err error) {
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

	err = CheckMember(uint64(parentSize), uint64(structOffset), signatureHeaderSize)
	if err != nil {
		return nil, err
	}

	header := SignatureHeader{}

	err = unpackStruct(raw[structOffset:], signatureHeaderSize, &header)
	log.PanicIf(err)

	err = CheckData(uint64(parentSize), uint64(structOffset), signatureHeaderSize, uint64(header.SigOffset), uint64(header.SigSize))
	if err != nil {
		return nil, err
	}

	sv = &SignatureView{
		header: header,
		raw:    raw,
		offset: structOffset,
	}

	return sv, nil
}

// OpenSignature validates a standalone signature occupying the whole of raw.
func OpenSignature(raw []byte) (sv *SignatureView, err error) {
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

	sv, err = openSignatureAt(raw, 0, uint32(len(raw)))
	log.PanicIf(err)

	return sv, nil
}

// Key-block flags select which boot modes a data key is good for. A flag
// must be set for the observed value of each mode switch or the key block is
// rejected.
const (
	// KeyBlockFlagDeveloper0 marks the key block valid when the developer
	// switch is off.
	KeyBlockFlagDeveloper0 = uint32(0x01)

	// KeyBlockFlagDeveloper1 marks the key block valid when the developer
	// switch is on.
	KeyBlockFlagDeveloper1 = uint32(0x02)

	// KeyBlockFlagRecovery0 marks the key block valid for normal boots.
	KeyBlockFlagRecovery0 = uint32(0x04)

	// KeyBlockFlagRecovery1 marks the key block valid for recovery boots.
	KeyBlockFlagRecovery1 = uint32(0x08)
)

// KeyBlockHeader is the fixed 68-byte header of a key block. The key block
// bundles a data key with a signature over the header and that key, made by
// a higher-trust key.
type KeyBlockHeader struct {
	// Magic identifies the structure. The valid value is "VBKEYBLK".
	Magic [8]byte

	// HeaderVersionMajor must equal the implemented major version.
	HeaderVersionMajor uint16

	// HeaderVersionMinor must be at least the implemented minor version.
	HeaderVersionMinor uint16

	// KeyBlockSize is the total size of the key block in bytes, including
	// the floating key data and signature data.
	KeyBlockSize uint32

	// Flags selects the boot modes the data key may be used in.
	Flags uint32

	// DataKey is the packed public key this block conveys. Its key data
	// must lie inside the signed region.
	DataKey PackedKeyHeader

	// Signature covers the header and the data key, and never the signature
	// bytes themselves.
	Signature SignatureHeader
}

// KeyBlock is a validated, borrow-style view over a key block.
type KeyBlock struct {
	header KeyBlockHeader

	raw     []byte
	dataKey *PackedKey
	sig     *SignatureView
}

// Size returns the total key-block size in bytes.
func (kb *KeyBlock) Size() uint32 {
	return kb.header.KeyBlockSize
}

// Flags returns the boot-mode flags bitmap.
func (kb *KeyBlock) Flags() uint32 {
	return kb.header.Flags
}

// DataKey returns the conveyed public key.
func (kb *KeyBlock) DataKey() *PackedKey {
	return kb.dataKey
}

// Signature returns the signature over the key-block body.
func (kb *KeyBlock) Signature() *SignatureView {
	return kb.sig
}

// SignedBytes returns the region the key-block signature covers.
func (kb *KeyBlock) SignedBytes() []byte {
	return kb.raw[:kb.sig.SignedSize()]
}

// AllowsMode indicates whether the key block permits the given combination
// of developer and recovery mode.
func (kb *KeyBlock) AllowsMode(developer, recovery bool) bool {
	flags := kb.header.Flags

	if developer == true {
		if flags&KeyBlockFlagDeveloper1 == 0 {
			return false
		}
	} else {
		if flags&KeyBlockFlagDeveloper0 == 0 {
			return false
		}
	}

	if recovery == true {
		if flags&KeyBlockFlagRecovery1 == 0 {
			return false
		}
	} else {
		if flags&KeyBlockFlagRecovery0 == 0 {
			return false
		}
	}

	return true
}

func checkHeaderVersion(major, minor, wantMajor, minMinor uint16) error {
	if major != wantMajor || minor < minMinor {
		return ErrIncompatibleVersion
	}

	return nil
}

// OpenKeyBlock validates the key block at the start of raw and returns a
// view over it. The signature is not verified here; that is the verifier's
// job, once the caller knows which key to check against.
func OpenKeyBlock(raw []byte) (kb *KeyBlock, err error) {
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

	header := KeyBlockHeader{}

	err = unpackStruct(raw, keyBlockHeaderSize, &header)
	if err != nil {
		return nil, err
	}

	if bytes.Equal(header.Magic[:], requiredKeyBlockMagic) != true {
		return nil, ErrBadMagic
	}

	err = checkHeaderVersion(header.HeaderVersionMajor, header.HeaderVersionMinor, keyBlockVersionMajor, keyBlockVersionMinor)
	if err != nil {
		return nil, err
	}

	blockSize := header.KeyBlockSize

	err = CheckMember(uint64(len(raw)), 0, uint64(blockSize))
	if err != nil {
		return nil, err
	}

	if blockSize < keyBlockHeaderSize {
		return nil, ErrMemberOutsideParent
	}

	dataKey, err := openPackedKeyAt(raw, keyBlockDataKeyOffset, blockSize)
	if err != nil {
		return nil, err
	}

	sig, err := openSignatureAt(raw, keyBlockSignatureOffset, blockSize)
	if err != nil {
		return nil, err
	}

	// The signed region must cover the whole header and the floating key
	// data, and the signature bytes must sit entirely after it. A signature
	// that covered itself, or that left the data key unsigned, would let an
	// attacker splice keys between blocks.

	signedSize := sig.SignedSize()

	if signedSize < keyBlockHeaderSize || signedSize > blockSize {
		return nil, ErrDataOutsideParent
	}

	keyDataEnd := uint64(keyBlockDataKeyOffset) + uint64(dataKey.Extent())
	if keyDataEnd > uint64(signedSize) {
		return nil, ErrDataOutsideParent
	}

	if uint64(sig.sigDataStart()) < uint64(signedSize) {
		return nil, ErrDataOverlapsMember
	}

	kb = &KeyBlock{
		header:  header,
		raw:     raw,
		dataKey: dataKey,
		sig:     sig,
	}

	return kb, nil
}

// Preamble flags.
const (
	// PreambleFlagDisallowHwCrypto forbids hardware-accelerated digest and
	// signature operations over the firmware body. Set on images whose
	// algorithms a platform's engine has historically mis-handled.
	PreambleFlagDisallowHwCrypto = uint32(0x01)
)

// FirmwarePreambleHeader is the fixed 84-byte header of a firmware preamble.
// The preamble sits immediately after the key block and is signed by the
// key block's data key.
type FirmwarePreambleHeader struct {
	// HeaderVersionMajor must equal the implemented major version.
	HeaderVersionMajor uint16

	// HeaderVersionMinor must be at least the implemented minor version.
	HeaderVersionMinor uint16

	// PreambleSize is the total preamble size in bytes, including the
	// floating kernel-subkey data and signature data.
	PreambleSize uint32

	// SignedSize is the number of preamble bytes covered by
	// PreambleSignature. The signature bytes themselves sit after this
	// region.
	SignedSize uint32

	// FirmwareVersion is the combined version: the 16-bit key epoch in the
	// high half and the 16-bit firmware epoch in the low half. Compared
	// against the rollback floor in secure storage.
	FirmwareVersion uint32

	// Flags holds preamble option bits.
	Flags uint32

	// KernelSubkey is the public key handed to the kernel verification
	// stage. Its key data must lie inside the signed region.
	KernelSubkey PackedKeyHeader

	// BodySignature covers the firmware body, which lives outside the
	// preamble. Its signature bytes must lie inside the signed region.
	BodySignature SignatureHeader

	// PreambleSignature covers [0, SignedSize) of the preamble.
	PreambleSignature SignatureHeader
}

// FirmwarePreamble is a validated, borrow-style view over a firmware
// preamble.
type FirmwarePreamble struct {
	header FirmwarePreambleHeader

	raw          []byte
	kernelSubkey *PackedKey
	bodySig      *SignatureView
	sig          *SignatureView
}

// Size returns the total preamble size in bytes.
func (fp *FirmwarePreamble) Size() uint32 {
	return fp.header.PreambleSize
}

// FirmwareVersion returns the combined version (key epoch high, firmware
// epoch low).
func (fp *FirmwarePreamble) FirmwareVersion() uint32 {
	return fp.header.FirmwareVersion
}

// Flags returns the preamble option bits.
func (fp *FirmwarePreamble) Flags() uint32 {
	return fp.header.Flags
}

// AllowsHwCrypto indicates whether the body may be verified with hardware
// acceleration.
func (fp *FirmwarePreamble) AllowsHwCrypto() bool {
	return fp.header.Flags&PreambleFlagDisallowHwCrypto == 0
}

// KernelSubkey returns the key for the later kernel verification stage.
func (fp *FirmwarePreamble) KernelSubkey() *PackedKey {
	return fp.kernelSubkey
}

// BodySignature returns the signature over the firmware body.
func (fp *FirmwarePreamble) BodySignature() *SignatureView {
	return fp.bodySig
}

// Signature returns the signature over the preamble itself.
func (fp *FirmwarePreamble) Signature() *SignatureView {
	return fp.sig
}

// SignedBytes returns the region the preamble signature covers.
func (fp *FirmwarePreamble) SignedBytes() []byte {
	return fp.raw[:fp.header.SignedSize]
}

// OpenFirmwarePreamble validates the preamble at the start of raw and
// returns a view over it.
func OpenFirmwarePreamble(raw []byte) (fp *FirmwarePreamble, err error) {
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

	header := FirmwarePreambleHeader{}

	err = unpackStruct(raw, preambleHeaderSize, &header)
	if err != nil {
		return nil, err
	}

	err = checkHeaderVersion(header.HeaderVersionMajor, header.HeaderVersionMinor, preambleVersionMajor, preambleVersionMinor)
	if err != nil {
		return nil, err
	}

	preambleSize := header.PreambleSize

	err = CheckMember(uint64(len(raw)), 0, uint64(preambleSize))
	if err != nil {
		return nil, err
	}

	if preambleSize < preambleHeaderSize {
		return nil, ErrMemberOutsideParent
	}

	signedSize := header.SignedSize
	if signedSize < preambleHeaderSize || signedSize > preambleSize {
		return nil, ErrDataOutsideParent
	}

	// The kernel subkey is handed across a trust boundary later, so its
	// bytes must be covered by the preamble signature.

	kernelSubkey, err := openPackedKeyAt(raw, preambleSubkeyOffset, signedSize)
	if err != nil {
		return nil, err
	}

	// The body signature's own bytes are signed as part of the preamble;
	// the region it describes (the firmware body) lives outside.

	bodySig, err := openSignatureAt(raw, preambleBodySigOffset, signedSize)
	if err != nil {
		return nil, err
	}

	sig, err := openSignatureAt(raw, preambleSignatureOffset, preambleSize)
	if err != nil {
		return nil, err
	}

	if uint64(sig.sigDataStart()) < uint64(signedSize) {
		return nil, ErrDataOverlapsMember
	}

	fp = &FirmwarePreamble{
		header:       header,
		raw:          raw,
		kernelSubkey: kernelSubkey,
		bodySig:      bodySig,
		sig:          sig,
	}

	return fp, nil
}
