package main

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-vboot"
)

type rootParameters struct {
	Filepath string `short:"f" long:"filepath" description:"File-path of a 16-byte NV record dump" required:"true"`
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

	nv := vboot.NewNvContext(raw)

	fmt.Printf("NV Record\n")
	fmt.Printf("=========\n")
	fmt.Printf("\n")

	if nv.Reinitialized() == true {
		fmt.Printf("(record failed its checksum and was reinitialized)\n")
		fmt.Printf("\n")
	}

	fmt.Printf("RecoveryRequest: (%d)\n", nv.Get(vboot.NvFieldRecoveryRequest))
	fmt.Printf("RecoverySubcode: (0x%02x)\n", nv.Get(vboot.NvFieldRecoverySubcode))
	fmt.Printf("Localization: (%d)\n", nv.Get(vboot.NvFieldLocalization))
	fmt.Printf("TriesRemaining: (%d)\n", nv.Get(vboot.NvFieldTriesRemaining))
	fmt.Printf("TrySlot: [%s]\n", vboot.FwSlot(nv.Get(vboot.NvFieldTrySlot)))
	fmt.Printf("TryNext: (%d)\n", nv.Get(vboot.NvFieldTryNext))
	fmt.Printf("FirmwareResult: [%s]\n", vboot.FirmwareResult(nv.Get(vboot.NvFieldFirmwareResult)))
	fmt.Printf("DisplayRequest: (%d)\n", nv.Get(vboot.NvFieldDisplayRequest))
	fmt.Printf("BootOnAc: (%d)\n", nv.Get(vboot.NvFieldBootOnAc))
	fmt.Printf("TryRoSync: (%d)\n", nv.Get(vboot.NvFieldTryRoSync))
}
