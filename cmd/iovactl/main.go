// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Binary iovactl inspects bus translation configurations and exercises
// them against simulated hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/iovakit/iovakit/cmd/iovactl/cmd"
	"github.com/iovakit/iovakit/pkg/log"
)

var (
	debug      = flag.Bool("debug", false, "enable debug logging.")
	logPattern = flag.String("log", "", "file to write logs to instead of stderr. %TIMESTAMP% and %COMMAND% are expanded.")
	logFormat  = flag.String("log-format", "text", "log format: text, json, or json-k8s.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Layout), "")
	subcommands.Register(new(cmd.Mask), "")
	subcommands.Register(new(cmd.Simulate), "")

	flag.Parse()

	var out io.Writer = os.Stderr
	if *logPattern != "" {
		f, err := log.OpenFile(*logPattern, log.FilePattern{Command: flag.Arg(0)})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	e, err := newEmitter(*logFormat, out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	log.SetTarget(e)
	if *debug {
		log.SetLevel(log.Debug)
	}

	status := subcommands.Execute(context.Background())
	log.Debugf("Exiting with status: %v", status)
	os.Exit(int(status))
}

func newEmitter(format string, w io.Writer) (log.Emitter, error) {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}, nil
	case "json-k8s":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}, K8s: true}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", format)
}
