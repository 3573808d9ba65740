// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package help implements buck's `help` subcommand.
package help

import (
	"flag"
	"fmt"

	"github.com/maruel/subcommands"
)

const longDesc = "Prints buck's subcommands and globally-available flags, or help about one specific subcommand.\nUse -advanced to also list the less commonly used subcommands."

// Cmd returns the Command for buck's `help` subcommand.
func Cmd() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "help [<subcommand>|-advanced]",
		ShortDesc: "prints help about a buck subcommand",
		LongDesc:  longDesc,
		CommandRun: func() subcommands.CommandRun {
			run := &helpCmdRun{}
			run.Flags.BoolVar(&run.advanced, "advanced", false, "list subcommands not shown by default")
			return run
		},
	}
}

type helpCmdRun struct {
	subcommands.CommandRunBase
	advanced bool
}

func (h *helpCmdRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	if len(args) == 0 {
		return h.printTopLevel(a)
	}
	return subcommands.CmdHelp.CommandRun().Run(a, args, env)
}

// printTopLevel lists every subcommand (or, with -advanced, every
// subcommand including the less common ones) followed by the flags
// common to all of buck's subcommands.
func (h *helpCmdRun) printTopLevel(a subcommands.Application) int {
	subcommands.Usage(a.GetOut(), a, h.advanced)
	fmt.Println("Common flags accepted by all buck subcommands:")
	flag.PrintDefaults()
	return 0
}
