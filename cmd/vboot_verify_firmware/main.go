package main

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-vboot"
)

type rootParameters struct {
	GbbFilepath    string `short:"g" long:"gbb" description:"File-path of GBB region dump (root key source)" required:"true"`
	VblockFilepath string `short:"v" long:"vblock" description:"File-path of the slot vblock (key block + preamble)" required:"true"`
	BodyFilepath   string `short:"b" long:"body" description:"File-path of the firmware body" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

// memSecureStore is a throwaway store with a fresh (all-zero) record, which
// carries a valid CRC. Host-side verification has no floor to enforce.
type memSecureStore struct {
	record []byte
}

func (mss *memSecureStore) Read() (record []byte, err error) {
	return mss.record, nil
}

func (mss *memSecureStore) Write(record []byte) (err error) {
	mss.record = record
	return nil
}

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	gbbRaw, err := ioutil.ReadFile(rootArguments.GbbFilepath)
	log.PanicIf(err)

	vblock, err := ioutil.ReadFile(rootArguments.VblockFilepath)
	log.PanicIf(err)

	body, err := ioutil.ReadFile(rootArguments.BodyFilepath)
	log.PanicIf(err)

	workbuf := make([]byte, 64*1024)

	platform := vboot.Platform{
		Secure: &memSecureStore{
			record: make([]byte, vboot.SecureRecordSize),
		},
	}

	ctx, err := vboot.InitContext(workbuf, platform, nil, gbbRaw, 0, 0)
	log.PanicIf(err)

	rootKey, err := ctx.Gbb.RootKey()
	log.PanicIf(err)

	sv, err := vboot.VerifySlot(ctx, vboot.SlotA, vblock, body, rootKey)
	if err != nil {
		fmt.Printf("NOT VERIFIED: %s\n", err)
		os.Exit(2)
	}

	keyVersion, firmwareVersion := vboot.SplitVersion(sv.FwVersion)

	fmt.Printf("VERIFIED\n")
	fmt.Printf("\n")
	fmt.Printf("Version: (0x%08x) -> key epoch (%d), firmware epoch (%d)\n", sv.FwVersion, keyVersion, firmwareVersion)
	fmt.Printf("Body: %s covered by signature\n", humanize.Bytes(uint64(sv.Preamble.BodySignature().SignedSize())))
	fmt.Printf("Kernel subkey: [%s]\n", sv.KernelSubkey.Algorithm())
}
