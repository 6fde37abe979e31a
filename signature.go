// This file verifies RSA-PKCS#1 v1.5 signatures. A platform may provide a
// hardware engine; "unsupported" from the engine is a first-class answer
// that falls back to the software path, while any other engine error is
// surfaced verbatim.

package vboot

import (
	"errors"
	"hash"
	"math/big"
	"reflect"

	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"

	"github.com/dsoprea/go-logging"
)

var (
	// ErrHardwareUnsupported is returned by a hardware-crypto capability
	// that does not implement the requested operation. It is not a failure:
	// the caller falls through to the software path.
	ErrHardwareUnsupported = errors.New("hardware crypto unsupported")

	// ErrWrongSignatureSize indicates that the signature byte-count does
	// not match the expected size for the key's algorithm.
	ErrWrongSignatureSize = errors.New("wrong signature size")

	// ErrDigestSizeUnsupported indicates a digest whose length does not
	// match the algorithm's hash.
	ErrDigestSizeUnsupported = errors.New("unsupported digest size")

	// ErrPaddingMalformed indicates that the decrypted signature does not
	// carry well-formed PKCS#1 v1.5 padding.
	ErrPaddingMalformed = errors.New("signature padding malformed")

	// ErrDigestMismatch indicates that the embedded digest does not equal
	// the provided digest.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrMalformedKey indicates key material whose internal arity does not
	// match its algorithm.
	ErrMalformedKey = errors.New("malformed key material")
)

// HardwareCrypto is the capability handle for a platform crypto engine.
// Either operation may answer ErrHardwareUnsupported to push the work onto
// the software path.
type HardwareCrypto interface {
	// VerifyDigest checks sig over digest with the given key.
	VerifyDigest(key *PackedKey, sig []byte, digest []byte) error

	// Digest hashes data with the algorithm's hash scheme.
	Digest(algorithm Algorithm, data []byte) ([]byte, error)
}

// The public exponent is fixed for all firmware signing keys.
const rsaPublicExponent = 65537

// DER DigestInfo prefixes for EMSA-PKCS1-v1_5 encoding.
var (
	sha1DigestInfo = []byte{
		0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e,
		0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14,
	}
	sha256DigestInfo = []byte{
		0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86,
		0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05,
		0x00, 0x04, 0x20,
	}
	sha512DigestInfo = []byte{
		0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86,
		0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05,
		0x00, 0x04, 0x40,
	}
)

func digestInfoForAlgorithm(a Algorithm) []byte {
	switch a % 3 {
	case 0:
		return sha1DigestInfo
	case 1:
		return sha256DigestInfo
	}

	return sha512DigestInfo
}

func newHashForAlgorithm(a Algorithm) hash.Hash {
	switch a % 3 {
	case 0:
		return sha1.New()
	case 1:
		return sha256.New()
	}

	return sha512.New()
}

// Packed key material layout: a uint32 word count, a uint32 negated modular
// inverse, the modulus in little-endian words, and the Montgomery R^2
// residue in little-endian words. The inverse and residue serve fixed-width
// hardware engines; the software path only needs the modulus.
const keyMaterialFixedSize = 8

func keyModulus(pk *PackedKey) (n *big.Int, err error) {
	keyData := pk.KeyData()
	if len(keyData) < keyMaterialFixedSize {
		return nil, ErrMalformedKey
	}

	words := defaultEncoding.Uint32(keyData[0:4])

	if int(words)*4 != pk.Algorithm().SignatureSize() {
		return nil, ErrMalformedKey
	}

	if len(keyData) != keyMaterialFixedSize+int(words)*8 {
		return nil, ErrMalformedKey
	}

	modulusLe := keyData[keyMaterialFixedSize : keyMaterialFixedSize+int(words)*4]

	modulusBe := make([]byte, len(modulusLe))
	for i := 0; i < len(modulusLe); i++ {
		modulusBe[i] = modulusLe[len(modulusLe)-1-i]
	}

	n = new(big.Int).SetBytes(modulusBe)

	return n, nil
}

func verifyDigestSoftware(key *PackedKey, sig []byte, digest []byte) (err error) {
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

	algorithm := key.Algorithm()
	sigSize := algorithm.SignatureSize()

	n, err := keyModulus(key)
	if err != nil {
		return err
	}

	c := new(big.Int).SetBytes(sig)
	if c.Cmp(n) >= 0 {
		return ErrPaddingMalformed
	}

	m := new(big.Int).Exp(c, big.NewInt(rsaPublicExponent), n)

	em := make([]byte, sigSize)
	mBytes := m.Bytes()
	copy(em[sigSize-len(mBytes):], mBytes)

	digestInfo := digestInfoForAlgorithm(algorithm)
	digestSize := algorithm.DigestSize()

	tLen := len(digestInfo) + digestSize
	psLen := sigSize - tLen - 3
	if psLen < 8 {
		return ErrPaddingMalformed
	}

	if em[0] != 0x00 || em[1] != 0x01 {
		return ErrPaddingMalformed
	}

	for i := 2; i < 2+psLen; i++ {
		if em[i] != 0xff {
			return ErrPaddingMalformed
		}
	}

	if em[2+psLen] != 0x00 {
		return ErrPaddingMalformed
	}

	infoStart := 3 + psLen
	for i := 0; i < len(digestInfo); i++ {
		if em[infoStart+i] != digestInfo[i] {
			return ErrPaddingMalformed
		}
	}

	if SafeMemcmp(em[infoStart+len(digestInfo):], digest) != true {
		return ErrDigestMismatch
	}

	return nil
}

// VerifyDigest checks the signature over the given digest. When allowHw is
// set and the platform offers an engine, the engine is tried first; an
// ErrHardwareUnsupported answer falls through to software, while any other
// engine error is returned verbatim.
func VerifyDigest(key *PackedKey, sig *SignatureView, digest []byte, hw HardwareCrypto, allowHw bool) (err error) {
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

	algorithm := key.Algorithm()
	if algorithm.IsValid() != true {
		return ErrUnsupportedAlgorithm
	}

	sigData := sig.SigData()
	if len(sigData) != algorithm.SignatureSize() {
		return ErrWrongSignatureSize
	}

	if len(digest) != algorithm.DigestSize() {
		return ErrDigestSizeUnsupported
	}

	if allowHw == true && hw != nil {
		err = hw.VerifyDigest(key, sigData, digest)
		if err == nil {
			return nil
		} else if err != ErrHardwareUnsupported {
			return err
		}
	}

	err = verifyDigestSoftware(key, sigData, digest)
	if err != nil {
		return err
	}

	return nil
}

// DigestData hashes all of data with the key algorithm's hash scheme, into a
// buffer allocated from the work buffer. The caller owns
// the allocation and must free algorithm.DigestSize() when done with it.
func DigestData(data []byte, algorithm Algorithm, hw HardwareCrypto, allowHw bool, wb *WorkBuffer) (digest []byte, err error) {
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

	digestSize := algorithm.DigestSize()
	if digestSize == 0 {
		return nil, ErrDigestSizeUnsupported
	}

	digest, err = wb.Alloc(digestSize)
	if err != nil {
		return nil, err
	}

	if allowHw == true && hw != nil {
		hwDigest, hwErr := hw.Digest(algorithm, data)
		if hwErr == nil {
			if len(hwDigest) != digestSize {
				wb.Free(digestSize)
				return nil, ErrDigestSizeUnsupported
			}

			copy(digest, hwDigest)
			return digest, nil
		} else if hwErr != ErrHardwareUnsupported {
			wb.Free(digestSize)
			return nil, hwErr
		}
	}

	h := newHashForAlgorithm(algorithm)

	_, err = h.Write(data)
	log.PanicIf(err)

	copy(digest, h.Sum(nil))

	return digest, nil
}

// VerifyData digests the covered plaintext and then checks the signature
// over it. The signed length must not exceed the provided payload.
func VerifyData(data []byte, sig *SignatureView, key *PackedKey, hw HardwareCrypto, allowHw bool, wb *WorkBuffer) (err error) {
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

	signedSize := uint64(sig.SignedSize())
	if signedSize > uint64(len(data)) {
		return ErrDataOutsideParent
	}

	algorithm := key.Algorithm()
	if algorithm.IsValid() != true {
		return ErrUnsupportedAlgorithm
	}

	digest, err := DigestData(data[:signedSize], algorithm, hw, allowHw, wb)
	if err != nil {
		return err
	}

	defer wb.Free(algorithm.DigestSize())

	err = VerifyDigest(key, sig, digest, hw, allowHw)
	if err != nil {
		return err
	}

	return nil
}

// IsSignatureFailure indicates whether the error is a per-slot verification
// failure (reject the slot, try the other one) as opposed to a hardware
// fault (fatal for the boot).
func IsSignatureFailure(err error) bool {
	switch err {
	case ErrWrongSignatureSize, ErrDigestSizeUnsupported, ErrPaddingMalformed,
		ErrDigestMismatch, ErrUnsupportedAlgorithm, ErrMalformedKey,
		ErrDataOutsideParent, ErrWorkBufferExhausted:
		return true
	}

	return false
}
