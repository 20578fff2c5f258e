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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/iovakit/iovakit/pkg/dma"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	config string
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the translation windows of a platform configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout -config <file> - print the direct, DAC and arena windows with their geometry.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	configFlag(f, &l.config)
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pc, err := loadConfig(l.config)
	if err != nil {
		return Errorf("loading configuration: %v", err)
	}
	cfg, err := pc.Build(nil)
	if err != nil {
		return Errorf("building configuration: %v", err)
	}
	if err := writeLayout(os.Stdout, cfg); err != nil {
		return Errorf("writing layout: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeLayout(out io.Writer, cfg *dma.Config) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprint(w, "WINDOW\tKIND\tSTART\tEND\tENTRIES\tPAGE\tALIGN\tVIRT MERGE\n")
	if cfg.Direct.Enabled() {
		fmt.Fprintf(w, "direct\tdirect\t%#x\t%#x\t-\t-\t-\t-\n", cfg.Direct.Base, cfg.Direct.End())
	}
	for _, a := range cfg.Arenas {
		fmt.Fprintf(w, "%s\tarena\t%#x\t%#x\t%d\t%#x\t%d\t%t\n", a.Name(), a.Base(), a.End(), a.Len(), a.PageSize(), a.Align(), a.VirtMerge())
	}
	if cfg.DAC.Enabled() {
		fmt.Fprintf(w, "dac\tdac\t%#x\t%#x\t-\t-\t-\t-\n", cfg.DAC.Offset, ^uint64(0))
	}
	return w.Flush()
}
