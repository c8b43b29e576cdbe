// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the flamectl subcommands.
package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/xflops/flame/lib/cmd"
	"github.com/xflops/flame/sdk/go/flame"
	"rsc.io/getopt"
)

// Exit code for API and output errors.
const exitFailure = 1

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	Endpoint string
	Token    string
	Format   string
	Timeout  time.Duration
}

// CommonFlagSet returns a flag set with the flags accepted by every
// subcommand. Subcommands add their own flags before parsing.
func CommonFlagSet() (*getopt.FlagSet, *commonFlags) {
	values := &commonFlags{
		Endpoint: os.Getenv("FLAME_ENDPOINT"),
		Token:    os.Getenv("FLAME_TOKEN"),
		Format:   "json",
		Timeout:  time.Minute,
	}
	if values.Endpoint == "" {
		values.Endpoint = "http://localhost:8080"
	}
	flags := getopt.NewFlagSet("", flag.ContinueOnError)
	flags.StringVar(&values.Endpoint, "endpoint", values.Endpoint, "session manager `URL` (default $FLAME_ENDPOINT)")
	flags.Alias("e", "endpoint")
	flags.StringVar(&values.Token, "token", values.Token, "API `token` (default $FLAME_TOKEN)")
	flags.StringVar(&values.Format, "format", values.Format, "output `format`: json, yaml, or id")
	flags.Alias("f", "format")
	flags.DurationVar(&values.Timeout, "request-timeout", values.Timeout, "timeout for each API request")
	return flags, values
}

// LateSubcommandFlags lists the common flags that take an argument,
// for use with cmd.WithLateSubcommand.
var LateSubcommandFlags = []string{"endpoint", "e", "token", "format", "f", "request-timeout"}

func (cf *commonFlags) client() *flame.Client {
	return &flame.Client{
		Endpoint:  cf.Endpoint,
		AuthToken: cf.Token,
		Timeout:   cf.Timeout,
	}
}

// parse parses args and checks the number of positional arguments.
func parse(flags *getopt.FlagSet, cf *commonFlags, prog string, args []string, positional string, minArgs, maxArgs int, stderr io.Writer) (bool, int) {
	if ok, code := cmd.ParseFlags(flags, prog, args, cmd.Args{Usage: positional, Min: minArgs, Max: maxArgs}, stderr); !ok {
		return false, code
	}
	switch cf.Format {
	case "json", "yaml", "id":
	default:
		fmt.Fprintf(stderr, "unknown output format %q (try json, yaml, or id)\n", cf.Format)
		return false, 2
	}
	return true, 0
}

// output writes v to stdout in the requested format. In "id" format
// it writes ids instead.
func output(stdout io.Writer, format string, v interface{}, ids ...string) error {
	switch format {
	case "id":
		for _, id := range ids {
			if _, err := fmt.Fprintln(stdout, id); err != nil {
				return err
			}
		}
		return nil
	case "yaml":
		buf, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding: %w", err)
		}
		_, err = stdout.Write(buf)
		return err
	default:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

// fail reports err and returns the exit code for it.
func fail(stderr io.Writer, prog string, err error) int {
	fmt.Fprintf(stderr, "%s: %s\n", prog, err)
	return exitFailure
}
