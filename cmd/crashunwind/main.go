// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// crashunwind reconstructs backtraces from captured register snapshots or
// stopped processes, and inspects the unwind rules of libraries.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/crashunwind/vc"
)

// envVarPrefix is the prefix of environment variables setting flags.
const envVarPrefix = "CRASHUNWIND"

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

// ffOptions are shared by all commands, so every flag can come from the
// environment or a config file.
func ffOptions() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix(envVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	}
}

func newVersionCmd() *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "version",
		ShortHelp:  "Show version",
		Exec: func(context.Context, []string) error {
			fmt.Println(vc.String())
			return nil
		},
	}
}

func mainWithExitCode() exitCode {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	root := ffcli.Command{
		Name:       "crashunwind",
		ShortUsage: "crashunwind <subcommand> [flags]",
		ShortHelp:  "Tool for unwinding crash register snapshots",
		Subcommands: []*ffcli.Command{
			newUnwindCmd(),
			newDeltasCmd(),
			newVersionCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		log.Errorf("%v", err)
		return exitParseError
	}
	if err := root.Run(context.Background()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		log.Errorf("%v", err)
		return exitFailure
	}
	return exitSuccess
}

func main() {
	os.Exit(int(mainWithExitCode()))
}
