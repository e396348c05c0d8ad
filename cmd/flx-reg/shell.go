// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-lpc/flx/card"
	"github.com/peterh/liner"
)

var errQuit = errors.New("quit")

type shellCmd struct {
	args int // exact number of arguments, -1 for one or more.
	help string
	run  func(ctl *card.Controller, w io.Writer, args []string) error
}

var shellCmds = map[string]shellCmd{
	"get":       {-1, "get NAME [NAME...]    read registers", get((*card.Controller).GetRegister)},
	"set":       {2, "set NAME VALUE        write a register", set((*card.Controller).SetRegister)},
	"getbf":     {-1, "getbf NAME [NAME...]  read bitfields", get((*card.Controller).GetBitfield)},
	"setbf":     {2, "setbf NAME VALUE      write a bitfield", set((*card.Controller).SetBitfield)},
	"align":     {0, "align                 display the links alignment", align},
	"reset-gth": {0, "reset-gth             reset the GTH lanes", resetGTH},
}

func shell(ctl *card.Controller, w io.Writer) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(func(line string) []string {
		var o []string
		for name := range shellCmds {
			if strings.HasPrefix(name, line) {
				o = append(o, name)
			}
		}
		sort.Strings(o)
		return o
	})

	prompt := fmt.Sprintf("flx[%d:%d]> ", ctl.ID().Card, ctl.ID().SLR)
	for {
		line, err := term.Prompt(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(w)
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		term.AppendHistory(line)

		err = exec(ctl, w, line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(w, "error: %+v\n", err)
		}
	}
}

// exec runs a single shell command line.
func exec(ctl *card.Controller, w io.Writer, line string) error {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return nil
	}
	name, args := toks[0], toks[1:]

	switch name {
	case "quit", "exit":
		return errQuit
	case "help", "?":
		names := make([]string, 0, len(shellCmds))
		for k := range shellCmds {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Fprintf(w, "  %s\n", shellCmds[k].help)
		}
		fmt.Fprintf(w, "  quit                  leave the shell\n")
		return nil
	}

	cmd, ok := shellCmds[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}
	switch {
	case cmd.args < 0 && len(args) == 0:
		return fmt.Errorf("%s: missing arguments", name)
	case cmd.args >= 0 && len(args) != cmd.args:
		return fmt.Errorf("%s: invalid number of arguments (got=%d, want=%d)", name, len(args), cmd.args)
	}
	return cmd.run(ctl, w, args)
}
