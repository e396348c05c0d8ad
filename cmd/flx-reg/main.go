// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command flx-reg reads and writes registers of a FELIX device.
//
// Examples:
//
//	$> flx-reg --card=0 --slr=1 get GBT_ALIGNMENT_DONE
//	$> flx-reg --backend=mmap set GBT_TOHOST_FANOUT_SEL 0xffffff
//	$> flx-reg setbf SUPER_CHUNK_FACTOR_LINK_03 4
//	$> flx-reg align
//	$> flx-reg shell
package main // import "github.com/go-lpc/flx/cmd/flx-reg"

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/flx"
	"github.com/go-lpc/flx/card"
	"github.com/go-lpc/flx/config"
	"github.com/go-lpc/flx/hw"
	"github.com/go-lpc/flx/regmap"
	"github.com/spf13/cobra"
)

func main() {
	log.SetPrefix("flx-reg: ")
	log.SetFlags(0)

	err := newRootCmd(os.Stdout, os.Stderr).Execute()
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

type options struct {
	backend string
	device  string
	regmap  string
	card    uint32
	slr     uint32
	verbose bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:   "flx-reg",
		Short: "Read and write registers of a FELIX device",
		Long: `flx-reg gives direct access to the registers and bitfields of one
logical unit (card, slr) of a FELIX card, by symbolic name.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if v, _ := flx.Version(); v != "" {
		root.Version = v
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.backend, "backend", "sim", "device backend (sim|mmap)")
	flags.StringVar(&opts.device, "device", "/dev/flx%d", "device node pattern")
	flags.StringVar(&opts.regmap, "regmap", "", "path to a YAML register map (default: built-in)")
	flags.Uint32Var(&opts.card, "card", 0, "card number")
	flags.Uint32Var(&opts.slr, "slr", 0, "super logic region of the card")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")

	with := func(f func(ctl *card.Controller, w io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctl, err := opts.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ctl.Close()
			return f(ctl, cmd.OutOrStdout(), args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "get NAME [NAME...]",
			Short: "Read registers",
			Args:  cobra.MinimumNArgs(1),
			RunE:  with(get((*card.Controller).GetRegister)),
		},
		&cobra.Command{
			Use:   "set NAME VALUE",
			Short: "Write a register",
			Args:  cobra.ExactArgs(2),
			RunE:  with(set((*card.Controller).SetRegister)),
		},
		&cobra.Command{
			Use:   "getbf NAME [NAME...]",
			Short: "Read bitfields",
			Args:  cobra.MinimumNArgs(1),
			RunE:  with(get((*card.Controller).GetBitfield)),
		},
		&cobra.Command{
			Use:   "setbf NAME VALUE",
			Short: "Write a bitfield",
			Args:  cobra.ExactArgs(2),
			RunE:  with(set((*card.Controller).SetBitfield)),
		},
		&cobra.Command{
			Use:   "align",
			Short: "Display the alignment status of the links",
			Args:  cobra.NoArgs,
			RunE:  with(align),
		},
		&cobra.Command{
			Use:   "reset-gth",
			Short: "Reset the GTH lanes",
			Args:  cobra.NoArgs,
			RunE:  with(resetGTH),
		},
		&cobra.Command{
			Use:   "shell",
			Short: "Run an interactive register shell",
			Args:  cobra.NoArgs,
			RunE:  with(func(ctl *card.Controller, w io.Writer, args []string) error { return shell(ctl, w) }),
		},
	)

	return root
}

// open opens the logical unit selected by the options, with every link
// of the unit attached.
func (opts *options) open(w io.Writer) (*card.Controller, error) {
	rmap := regmap.Default()
	if opts.regmap != "" {
		m, err := regmap.Open(opts.regmap)
		if err != nil {
			return nil, fmt.Errorf("could not load register map: %w", err)
		}
		rmap = m
	}

	dev, err := hw.New(opts.backend, opts.device, rmap)
	if err != nil {
		return nil, fmt.Errorf("could not create device: %w", err)
	}

	lvl := tlog.LvlWarning
	if opts.verbose {
		lvl = tlog.LvlDebug
	}

	var (
		id    = card.DeviceID{Card: opts.card, SLR: opts.slr}
		iface = config.Interface{Card: opts.card, SLR: opts.slr}
	)
	for i := 0; i < config.NumLinks; i++ {
		iface.Senders = append(iface.Senders, config.DataSender{Link: uint32(i)})
	}

	ctl, err := card.New(dev, id, iface, iface.Senders, tlog.NewMsgStream("flx-reg", lvl, w))
	if err != nil {
		return nil, fmt.Errorf("could not open %v: %w", id, err)
	}
	return ctl, nil
}

func get(f func(*card.Controller, string) (uint64, error)) func(*card.Controller, io.Writer, []string) error {
	return func(ctl *card.Controller, w io.Writer, args []string) error {
		for _, name := range args {
			v, err := f(ctl, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s 0x%x\n", name, v)
		}
		return nil
	}
}

func set(f func(*card.Controller, string, uint64) error) func(*card.Controller, io.Writer, []string) error {
	return func(ctl *card.Controller, w io.Writer, args []string) error {
		v, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return fmt.Errorf("could not parse value %q: %w", args[1], err)
		}
		return f(ctl, args[0], v)
	}
}

func align(ctl *card.Controller, w io.Writer, args []string) error {
	links, err := ctl.Snapshot()
	if err != nil {
		return err
	}
	for _, link := range links {
		status := "aligned"
		if !link.Aligned {
			status = "NOT aligned"
		}
		fmt.Fprintf(w, "%v link=%02d: %s\n", link.Device, link.Link, status)
	}
	return nil
}

func resetGTH(ctl *card.Controller, w io.Writer, args []string) error {
	err := ctl.GTHReset()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%v: reset %d GTH lanes\n", ctl.ID(), card.NumGTHLanes)
	return nil
}
