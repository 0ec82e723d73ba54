package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/google/subcommands"

	"github.com/avrfoundry/updidbg/device"
	"github.com/avrfoundry/updidbg/ocd"
	"github.com/avrfoundry/updidbg/rsp"
	"github.com/avrfoundry/updidbg/updi"
)

type serveCmd struct {
	part    string
	port    string
	baud    uint
	rspPort int
	verbose bool
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "run a GDB remote debug server for a UPDI target" }
func (*serveCmd) Usage() string {
	return `serve -part <name> -port <serial> [-baud N] [-rsp-port N] [-verbose]:
  Attach to the target and serve GDB remote protocol connections.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.part, "part", "", "MCU name (e.g. avr16ea48)")
	f.StringVar(&c.port, "port", "", "serial port of the SerialUPDI adapter (e.g. /dev/ttyUSB0)")
	f.UintVar(&c.baud, "baud", 115200, "serial baud rate")
	f.IntVar(&c.rspPort, "rsp-port", 1234, "TCP port to listen on for GDB")
	f.BoolVar(&c.verbose, "verbose", false, "enable debug logging")
}

func (c *serveCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	log := newLogger(c.verbose)

	if c.part == "" || c.port == "" {
		fmt.Println(c.Usage())
		return subcommands.ExitUsageError
	}

	dev, err := device.Lookup(c.part)
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	log.Infof("target %s: %d KiB flash, flash window at 0x%06x",
		dev.Name, dev.FlashSize/1024, dev.FlashOffset)

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
	engine := ocd.NewEngine(client, dev, ocd.Config{}, log.WithField("layer", "ocd"))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.rspPort))
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	defer ln.Close()
	log.Infof("listening for GDB on port %d", c.rspPort)

	server := rsp.New(ln, engine, rsp.Config{}, log.WithField("layer", "rsp"))
	if err := server.Serve(); err != nil {
		log.Error(err)
		engine.Detach()
		return subcommands.ExitFailure
	}

	engine.Detach()
	return subcommands.ExitSuccess
}
