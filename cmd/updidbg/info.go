package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"

	"github.com/avrfoundry/updidbg/updi"
)

type infoCmd struct {
	port    string
	baud    uint
	verbose bool
}

func (*infoCmd) Name() string     { return "info" }
func (*infoCmd) Synopsis() string { return "identify the connected UPDI target" }
func (*infoCmd) Usage() string {
	return `info -port <serial> [-baud N] [-verbose]:
  Print UPDI revision, system information block, signature and die revision.
`
}

func (c *infoCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.port, "port", "", "serial port of the SerialUPDI adapter")
	f.UintVar(&c.baud, "baud", 115200, "serial baud rate")
	f.BoolVar(&c.verbose, "verbose", false, "enable debug logging")
}

func (c *infoCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := newLogger(c.verbose)

	if c.port == "" {
		fmt.Println(c.Usage())
		return subcommands.ExitUsageError
	}

	port, err := updi.OpenPort(updi.SerialConfig{
		Name:        c.port,
		Baud:        c.baud,
		ByteTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}

	client := updi.NewClient(port, updi.Config{}, log.WithField("layer", "updi"))
	defer client.Disconnect()

	version, err := client.Connect()
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}

	sib, err := client.ReadSIB()
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}

	// The signature row is only readable with the NVM programming key
	// active, which requires a reset to take effect.
	if err := client.Key(updi.KeyNVMProg); err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	if err := resetTarget(client); err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}

	signature, err := client.LdBlock(0x1100, 3)
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	revID, err := client.Ld(0x0F01, updi.WidthByte)
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}

	fmt.Printf("UPDI revision: %d\n", version)
	fmt.Printf("SIB: %s\n", string(sib[:]))
	fmt.Printf("Signature: %02X-%02X-%02X (die revision %s)\n",
		signature[0], signature[1], signature[2], revString(uint8(revID)))
	if len(sib) >= 22 {
		fmt.Printf("NVM: v%c / OCD: v%c (SIB rev %s)\n", sib[10], sib[13], string(sib[20:22]))
	}

	// leave the target running normally
	return exitStatus(resetTarget(client), log)
}

func resetTarget(client *updi.Client) error {
	if err := client.Stcs(updi.CSResetReq, updi.ResetReqSignature); err != nil {
		return err
	}
	if err := client.Stcs(updi.CSResetReq, updi.ResetReqRun); err != nil {
		return err
	}

	deadline := time.Now().Add(time.Second)
	for {
		status, err := client.Ldcs(updi.CSSysStatus)
		if err != nil {
			return err
		}
		if status&updi.SysStatusInReset == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return updi.ErrTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// revString renders SYSCFG.REVID the way the datasheets name die revisions:
// minor-stepping parts encode major<<4|minor, older parts just a letter index.
func revString(revID uint8) string {
	if revID&0xF0 != 0 {
		return fmt.Sprintf("%c%d", 'A'-1+revID>>4, revID&0x0F)
	}
	return string(rune('A' + revID))
}

func exitStatus(err error, log interface{ Error(...interface{}) }) subcommands.ExitStatus {
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
