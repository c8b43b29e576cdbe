// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
)

// Args describes the positional arguments a command accepts.
type Args struct {
	// Shown after "[options]" in the usage message, e.g.,
	// "session-id [task-id]".
	Usage string
	Min   int
	// Negative means no limit.
	Max int
}

// NoArgs is for commands that take options only.
var NoArgs = Args{}

func (a Args) check(n int) bool {
	return n >= a.Min && (a.Max < 0 || n <= a.Max)
}

// ParseFlags calls f.Parse(args), then checks the number of
// positional arguments against want. It prints help or error
// messages to stderr.
//
// If ok is false the command should exit now with exitCode: 0 if
// "-help" was given, 2 for a usage error.
func ParseFlags(f FlagSet, prog string, args []string, want Args, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	usage := func() {
		fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, want.Usage)
		f.SetOutput(stderr)
		f.PrintDefaults()
	}
	switch err := f.Parse(args); {
	case err == flag.ErrHelp:
		usage()
		return false, 0
	case err != nil:
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	case want.Max == 0 && f.NArg() > 0:
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
		return false, 2
	case !want.check(f.NArg()):
		fmt.Fprintf(stderr, "%s: wrong number of arguments\n", prog)
		usage()
		return false, 2
	}
	return true, 0
}
