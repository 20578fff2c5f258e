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

// Package cmd holds implementations of the iovactl commands.
package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"

	"github.com/iovakit/iovakit/pkg/log"
	"github.com/iovakit/iovakit/pkg/platform"
)

// Errorf logs to stderr and the debug log, then returns ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
	return subcommands.ExitFailure
}

// configFlag registers the -config flag on f.
func configFlag(f *flag.FlagSet, path *string) {
	f.StringVar(path, "config", "", "platform configuration file (.toml, .yaml or .yml).")
}

func loadConfig(path string) (*platform.Config, error) {
	if path == "" {
		return nil, errors.New("-config is required")
	}
	return platform.Load(path)
}

// parseAddr parses a bus address or mask given in any base strconv
// accepts, e.g. 0xffffffff.
func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}
