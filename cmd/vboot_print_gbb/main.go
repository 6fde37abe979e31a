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
	Filepath string `short:"f" long:"filepath" description:"File-path of GBB region dump" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

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

	raw, err := ioutil.ReadFile(rootArguments.Filepath)
	log.PanicIf(err)

	gbb, err := vboot.OpenGbb(raw)
	log.PanicIf(err)

	gbb.Dump()

	rootKey, err := gbb.RootKey()
	log.PanicIf(err)

	recoveryKey, err := gbb.RecoveryKey()
	log.PanicIf(err)

	fmt.Printf("Root key: [%s] (%s of key data)\n", rootKey.Algorithm(), humanize.Bytes(uint64(len(rootKey.KeyData()))))
	fmt.Printf("Recovery key: [%s] (%s of key data)\n", recoveryKey.Algorithm(), humanize.Bytes(uint64(len(recoveryKey.KeyData()))))

	if digest := gbb.HwidDigest(); digest != nil {
		fmt.Printf("HWID digest: (%x)\n", digest)
	}
}
