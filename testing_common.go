package vboot

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"math/big"
	"sync"

	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"

	"github.com/dsoprea/go-logging"
)

// Test-support fixtures: real RSA signing, container builders matching the
// wire layouts, and fake platform capabilities. Everything here is consumed
// by the _test.go files only.

var (
	testKeyCache     = map[int]*rsa.PrivateKey{}
	testKeyCacheLock sync.Mutex

	errTestUpdateFailed = errors.New("update failed")
)

// testGenerateKey returns a cached RSA key of the algorithm's modulus size.
// Distinct indexes return distinct keys.
func testGenerateKey(algorithm Algorithm, index int) *rsa.PrivateKey {
	testKeyCacheLock.Lock()
	defer testKeyCacheLock.Unlock()

	bits := algorithm.SignatureSize() * 8
	cacheKey := bits<<8 | index

	if key, found := testKeyCache[cacheKey]; found == true {
		return key
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	log.PanicIf(err)

	testKeyCache[cacheKey] = key

	return key
}

func testCryptoHash(algorithm Algorithm) crypto.Hash {
	switch algorithm % 3 {
	case 0:
		return crypto.SHA1
	case 1:
		return crypto.SHA256
	}

	return crypto.SHA512
}

func testDigest(algorithm Algorithm, data []byte) []byte {
	switch algorithm % 3 {
	case 0:
		digest := sha1.Sum(data)
		return digest[:]
	case 1:
		digest := sha256.Sum256(data)
		return digest[:]
	}

	digest := sha512.Sum512(data)
	return digest[:]
}

func testSign(key *rsa.PrivateKey, algorithm Algorithm, data []byte) []byte {
	digest := testDigest(algorithm, data)

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, testCryptoHash(algorithm), digest)
	log.PanicIf(err)

	return sig
}

// testKeyMaterial packs a public key's modulus into the on-wire key blob:
// word count, negated modular inverse, little-endian modulus, little-endian
// Montgomery residue.
func testKeyMaterial(pub *rsa.PublicKey, algorithm Algorithm) []byte {
	size := algorithm.SignatureSize()
	words := size / 4

	blob := make([]byte, keyMaterialFixedSize+size*2)
	defaultEncoding.PutUint32(blob[0:4], uint32(words))

	// n0inv = -N^-1 mod 2^32.
	b := new(big.Int).Lsh(big.NewInt(1), 32)
	nLow := new(big.Int).Mod(pub.N, b)
	inv := new(big.Int).ModInverse(nLow, b)
	n0inv := new(big.Int).Sub(b, inv)
	defaultEncoding.PutUint32(blob[4:8], uint32(n0inv.Uint64()))

	modulusBe := pub.N.Bytes()
	modulus := blob[keyMaterialFixedSize : keyMaterialFixedSize+size]
	for i := 0; i < len(modulusBe); i++ {
		modulus[i] = modulusBe[len(modulusBe)-1-i]
	}

	// rr = 2^(2*bits) mod N.
	rr := new(big.Int).Lsh(big.NewInt(1), uint(size*8*2))
	rr.Mod(rr, pub.N)

	rrBe := rr.Bytes()
	rrLe := blob[keyMaterialFixedSize+size:]
	for i := 0; i < len(rrBe); i++ {
		rrLe[i] = rrBe[len(rrBe)-1-i]
	}

	return blob
}

func testPutPackedKeyHeader(buf []byte, keyOffset, keySize uint32, algorithm Algorithm, version uint16) {
	defaultEncoding.PutUint32(buf[0:4], keyOffset)
	defaultEncoding.PutUint32(buf[4:8], 0)
	defaultEncoding.PutUint32(buf[8:12], keySize)
	defaultEncoding.PutUint32(buf[12:16], 0)
	defaultEncoding.PutUint32(buf[16:20], uint32(algorithm))
	defaultEncoding.PutUint32(buf[20:24], 0)
	defaultEncoding.PutUint32(buf[24:28], uint32(version))
	defaultEncoding.PutUint32(buf[28:32], 0)
}

func testPutSignatureHeader(buf []byte, signedOffset, signedSize, sigOffset, sigSize uint32) {
	defaultEncoding.PutUint32(buf[0:4], signedOffset)
	defaultEncoding.PutUint32(buf[4:8], signedSize)
	defaultEncoding.PutUint32(buf[8:12], sigOffset)
	defaultEncoding.PutUint32(buf[12:16], sigSize)
}

// testPackKey builds a standalone packed key (header plus blob).
func testPackKey(pub *rsa.PublicKey, algorithm Algorithm, version uint16) []byte {
	blob := testKeyMaterial(pub, algorithm)

	raw := make([]byte, packedKeyHeaderSize+len(blob))
	testPutPackedKeyHeader(raw, packedKeyHeaderSize, uint32(len(blob)), algorithm, version)
	copy(raw[packedKeyHeaderSize:], blob)

	return raw
}

// testBuildKeyBlock assembles and signs a key block conveying dataPub.
func testBuildKeyBlock(rootKey *rsa.PrivateKey, rootAlgorithm Algorithm, dataPub *rsa.PublicKey, dataAlgorithm Algorithm, dataKeyVersion uint16, flags uint32) []byte {
	keyBlob := testKeyMaterial(dataPub, dataAlgorithm)
	sigSize := uint32(rootAlgorithm.SignatureSize())

	signedSize := uint32(keyBlockHeaderSize + len(keyBlob))
	blockSize := signedSize + sigSize

	raw := make([]byte, blockSize)

	copy(raw[0:8], requiredKeyBlockMagic)
	defaultEncoding.PutUint16(raw[8:10], keyBlockVersionMajor)
	defaultEncoding.PutUint16(raw[10:12], keyBlockVersionMinor)
	defaultEncoding.PutUint32(raw[12:16], blockSize)
	defaultEncoding.PutUint32(raw[16:20], flags)

	testPutPackedKeyHeader(raw[keyBlockDataKeyOffset:],
		uint32(keyBlockHeaderSize-keyBlockDataKeyOffset), uint32(len(keyBlob)),
		dataAlgorithm, dataKeyVersion)
	copy(raw[keyBlockHeaderSize:], keyBlob)

	testPutSignatureHeader(raw[keyBlockSignatureOffset:],
		0, signedSize, signedSize-keyBlockSignatureOffset, sigSize)

	sig := testSign(rootKey, rootAlgorithm, raw[:signedSize])
	copy(raw[signedSize:], sig)

	return raw
}

// testBuildPreamble assembles and signs a firmware preamble over the given
// body.
func testBuildPreamble(dataKey *rsa.PrivateKey, dataAlgorithm Algorithm, combinedVersion uint32, flags uint32, kernelPub *rsa.PublicKey, kernelAlgorithm Algorithm, kernelKeyVersion uint16, body []byte) []byte {
	subkeyBlob := testKeyMaterial(kernelPub, kernelAlgorithm)
	sigSize := uint32(dataAlgorithm.SignatureSize())

	subkeyStart := uint32(preambleHeaderSize)
	bodySigStart := subkeyStart + uint32(len(subkeyBlob))
	signedSize := bodySigStart + sigSize
	preambleSize := signedSize + sigSize

	raw := make([]byte, preambleSize)

	defaultEncoding.PutUint16(raw[0:2], preambleVersionMajor)
	defaultEncoding.PutUint16(raw[2:4], preambleVersionMinor)
	defaultEncoding.PutUint32(raw[4:8], preambleSize)
	defaultEncoding.PutUint32(raw[8:12], signedSize)
	defaultEncoding.PutUint32(raw[12:16], combinedVersion)
	defaultEncoding.PutUint32(raw[16:20], flags)

	testPutPackedKeyHeader(raw[preambleSubkeyOffset:],
		subkeyStart-preambleSubkeyOffset, uint32(len(subkeyBlob)),
		kernelAlgorithm, kernelKeyVersion)
	copy(raw[subkeyStart:], subkeyBlob)

	testPutSignatureHeader(raw[preambleBodySigOffset:],
		0, uint32(len(body)), bodySigStart-preambleBodySigOffset, sigSize)

	bodySig := testSign(dataKey, dataAlgorithm, body)
	copy(raw[bodySigStart:], bodySig)

	testPutSignatureHeader(raw[preambleSignatureOffset:],
		0, signedSize, signedSize-preambleSignatureOffset, sigSize)

	sig := testSign(dataKey, dataAlgorithm, raw[:signedSize])
	copy(raw[signedSize:], sig)

	return raw
}

// testBuildGbb assembles a GBB region with the given packed keys.
func testBuildGbb(rootPacked, recoveryPacked []byte, hwid string, flags GbbFlags) []byte {
	hwidRaw := append([]byte(hwid), 0)

	hwidOffset := uint32(gbbHeaderSize)
	rootOffset := hwidOffset + uint32(len(hwidRaw))
	recoveryOffset := rootOffset + uint32(len(rootPacked))
	total := recoveryOffset + uint32(len(recoveryPacked))

	raw := make([]byte, total)

	copy(raw[0:4], requiredGbbMagic)
	defaultEncoding.PutUint16(raw[4:6], gbbVersionMajor)
	defaultEncoding.PutUint16(raw[6:8], gbbHwidDigestMinorVersion)
	defaultEncoding.PutUint32(raw[8:12], gbbHeaderSize)
	defaultEncoding.PutUint32(raw[12:16], uint32(flags))
	defaultEncoding.PutUint32(raw[16:20], hwidOffset)
	defaultEncoding.PutUint32(raw[20:24], uint32(len(hwidRaw)))
	defaultEncoding.PutUint32(raw[24:28], rootOffset)
	defaultEncoding.PutUint32(raw[28:32], uint32(len(rootPacked)))
	defaultEncoding.PutUint32(raw[32:36], 0)
	defaultEncoding.PutUint32(raw[36:40], 0)
	defaultEncoding.PutUint32(raw[40:44], recoveryOffset)
	defaultEncoding.PutUint32(raw[44:48], uint32(len(recoveryPacked)))

	hwidDigest := sha256.Sum256(hwidRaw)
	copy(raw[48:80], hwidDigest[:])

	copy(raw[hwidOffset:], hwidRaw)
	copy(raw[rootOffset:], rootPacked)
	copy(raw[recoveryOffset:], recoveryPacked)

	return raw
}

// testBuildNv returns a valid NV record with the given mutations applied.
func testBuildNv(mutate func(nv *NvContext)) []byte {
	nv := NewNvContext(nil)

	if mutate != nil {
		mutate(nv)
	}

	return nv.Bytes()
}

// testBuildSecureRecord returns a valid secure-storage record.
func testBuildSecureRecord(firmwareVersions, kernelVersions uint32, flags uint8) []byte {
	raw := make([]byte, SecureRecordSize)

	defaultEncoding.PutUint32(raw[0:4], firmwareVersions)
	defaultEncoding.PutUint32(raw[4:8], kernelVersions)
	raw[8] = flags
	raw[9] = crc8(raw[:SecureRecordSize-1])

	return raw
}

// fakeSecureStore is an in-memory SecureStore.
type fakeSecureStore struct {
	record []byte

	readErr  error
	writeErr error

	writes int
}

func newFakeSecureStore(firmwareVersions, kernelVersions uint32, flags uint8) *fakeSecureStore {
	return &fakeSecureStore{
		record: testBuildSecureRecord(firmwareVersions, kernelVersions, flags),
	}
}

func (fss *fakeSecureStore) Read() (record []byte, err error) {
	if fss.readErr != nil {
		return nil, fss.readErr
	}

	return fss.record, nil
}

func (fss *fakeSecureStore) Write(record []byte) (err error) {
	if fss.writeErr != nil {
		return fss.writeErr
	}

	fss.record = append([]byte(nil), record...)
	fss.writes++

	return nil
}

// fakeEc is an in-memory EcController. Updates apply: a successful
// UpdateImage makes the live hash match the expected one.
type fakeEc struct {
	running    EcImage
	runningErr error

	liveHashes     map[EcSelector][]byte
	expectedHashes map[EcSelector][]byte
	images         map[EcSelector][]byte

	hashErr        error
	updateErr      error
	updateFailures int
	jumpErr        error
	protectErr     error
	disableErr     error

	supportsAb bool
	slow       bool

	updates   []EcSelector
	jumps     int
	protects  []EcSelector
	disables  int
	jumpsToRw bool
}

func newFakeEc() *fakeEc {
	matching := []byte("matching-hash-32-bytes-long.....")

	return &fakeEc{
		running: EcImageRO,

		liveHashes: map[EcSelector][]byte{
			EcSelectRO:       append([]byte(nil), matching...),
			EcSelectRWActive: append([]byte(nil), matching...),
			EcSelectRWUpdate: append([]byte(nil), matching...),
		},
		expectedHashes: map[EcSelector][]byte{
			EcSelectRO:       append([]byte(nil), matching...),
			EcSelectRWActive: append([]byte(nil), matching...),
			EcSelectRWUpdate: append([]byte(nil), matching...),
		},
		images: map[EcSelector][]byte{
			EcSelectRO:       []byte("ro-image"),
			EcSelectRWActive: []byte("rw-image"),
			EcSelectRWUpdate: []byte("rw-image"),
		},
	}
}

// setStale makes the selected region's live hash differ from expected.
func (fec *fakeEc) setStale(selector EcSelector) {
	fec.liveHashes[selector] = []byte("stale-hash-32-bytes-long........")
}

func (fec *fakeEc) RunningImage() (image EcImage, err error) {
	if fec.runningErr != nil {
		return EcImageUnknown, fec.runningErr
	}

	return fec.running, nil
}

func (fec *fakeEc) ImageHash(selector EcSelector) (hash []byte, err error) {
	if fec.hashErr != nil {
		return nil, fec.hashErr
	}

	return fec.liveHashes[selector], nil
}

func (fec *fakeEc) ExpectedHash(selector EcSelector) (hash []byte, err error) {
	return fec.expectedHashes[selector], nil
}

func (fec *fakeEc) ExpectedImage(selector EcSelector) (image []byte, err error) {
	return fec.images[selector], nil
}

func (fec *fakeEc) UpdateImage(selector EcSelector, image []byte) (err error) {
	fec.updates = append(fec.updates, selector)

	if fec.updateFailures > 0 {
		fec.updateFailures--
		return errTestUpdateFailed
	}

	if fec.updateErr != nil {
		return fec.updateErr
	}

	fec.liveHashes[selector] = append([]byte(nil), fec.expectedHashes[selector]...)

	return nil
}

func (fec *fakeEc) JumpToRW() (err error) {
	fec.jumps++

	if fec.jumpErr != nil {
		return fec.jumpErr
	}

	fec.running = EcImageRW
	fec.jumpsToRw = true

	return nil
}

func (fec *fakeEc) DisableJump() (err error) {
	fec.disables++
	return fec.disableErr
}

func (fec *fakeEc) Protect(selector EcSelector) (err error) {
	if fec.protectErr != nil {
		return fec.protectErr
	}

	fec.protects = append(fec.protects, selector)

	return nil
}

func (fec *fakeEc) SupportsRwAb() bool {
	return fec.supportsAb
}

func (fec *fakeEc) UpdatesSlowly() bool {
	return fec.slow
}

// fakeHardwareCrypto answers "unsupported" by default, or records and
// delegates to the software implementations when enabled.
type fakeHardwareCrypto struct {
	supported bool
	failErr   error

	verifyCalls int
	digestCalls int
}

func (fhc *fakeHardwareCrypto) VerifyDigest(key *PackedKey, sig []byte, digest []byte) (err error) {
	fhc.verifyCalls++

	if fhc.failErr != nil {
		return fhc.failErr
	}

	if fhc.supported != true {
		return ErrHardwareUnsupported
	}

	return verifyDigestSoftware(key, sig, digest)
}

func (fhc *fakeHardwareCrypto) Digest(algorithm Algorithm, data []byte) (digest []byte, err error) {
	fhc.digestCalls++

	if fhc.failErr != nil {
		return nil, fhc.failErr
	}

	if fhc.supported != true {
		return nil, ErrHardwareUnsupported
	}

	return testDigest(algorithm, data), nil
}

const testAlgorithm = AlgorithmRsa1024Sha256

// testEnv bundles a complete boot fixture: keys, GBB, NV, secure storage,
// EC, and two signed slots (A newer than B).
type testEnv struct {
	rootKey   *rsa.PrivateKey
	dataKey   *rsa.PrivateKey
	kernelKey *rsa.PrivateKey

	gbbRaw []byte
	nvRaw  []byte

	secure *fakeSecureStore
	ec     *fakeEc

	committedNv []byte

	slots [2]FirmwareImage
}

func newTestEnv() *testEnv {
	env := &testEnv{
		rootKey:   testGenerateKey(testAlgorithm, 0),
		dataKey:   testGenerateKey(testAlgorithm, 1),
		kernelKey: testGenerateKey(testAlgorithm, 2),

		secure: newFakeSecureStore(0, 0, 0),
		ec:     newFakeEc(),
	}

	rootPacked := testPackKey(&env.rootKey.PublicKey, testAlgorithm, 1)
	recoveryPacked := testPackKey(&env.rootKey.PublicKey, testAlgorithm, 1)

	env.gbbRaw = testBuildGbb(rootPacked, recoveryPacked, "TESTMODEL-0001", 0)
	env.nvRaw = testBuildNv(nil)

	env.slots[0] = env.buildSlot(0x00020003, []byte("firmware-body-slot-a"))
	env.slots[1] = env.buildSlot(0x00020002, []byte("firmware-body-slot-b"))

	return env
}

// buildSlot signs a slot at the given combined version. The key block's
// data-key version carries the combined version's key epoch.
func (env *testEnv) buildSlot(version uint32, body []byte) FirmwareImage {
	keyEpoch, _ := SplitVersion(version)

	allModes := KeyBlockFlagDeveloper0 | KeyBlockFlagDeveloper1 |
		KeyBlockFlagRecovery0 | KeyBlockFlagRecovery1

	kb := testBuildKeyBlock(env.rootKey, testAlgorithm,
		&env.dataKey.PublicKey, testAlgorithm, keyEpoch, allModes)

	preamble := testBuildPreamble(env.dataKey, testAlgorithm, version, 0,
		&env.kernelKey.PublicKey, testAlgorithm, 1, body)

	vblock := make([]byte, 0, len(kb)+len(preamble))
	vblock = append(vblock, kb...)
	vblock = append(vblock, preamble...)

	return FirmwareImage{
		Vblock: vblock,
		Body:   body,
	}
}

// setGbbFlags rebuilds the GBB with the given policy flags.
func (env *testEnv) setGbbFlags(flags GbbFlags) {
	rootPacked := testPackKey(&env.rootKey.PublicKey, testAlgorithm, 1)
	recoveryPacked := testPackKey(&env.rootKey.PublicKey, testAlgorithm, 1)

	env.gbbRaw = testBuildGbb(rootPacked, recoveryPacked, "TESTMODEL-0001", flags)
}

// newContext builds a BootContext over the fixture's current state.
func (env *testEnv) newContext(inputs ContextFlags) *BootContext {
	workbuf := make([]byte, 64*1024)

	platform := Platform{
		Ec:     env.ec,
		Secure: env.secure,
		CommitNv: func(record []byte) error {
			env.committedNv = append([]byte(nil), record...)
			return nil
		},
	}

	ctx, err := InitContext(workbuf, platform, env.nvRaw, env.gbbRaw, 0, inputs)
	log.PanicIf(err)

	return ctx
}
