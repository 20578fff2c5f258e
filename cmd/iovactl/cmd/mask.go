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

// Mask implements subcommands.Command for the "mask" command.
type Mask struct {
	config string
}

// Name implements subcommands.Command.Name.
func (*Mask) Name() string {
	return "mask"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Mask) Synopsis() string {
	return "report whether devices with the given DMA masks can be served"
}

// Usage implements subcommands.Command.Usage.
func (*Mask) Usage() string {
	return `mask -config <file> <mask>... - for each DMA mask, print whether it is
supported, the highest bus address that can be handed out, and the arena
mappings fall back to.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Mask) SetFlags(f *flag.FlagSet) {
	configFlag(f, &m.config)
}

// Execute implements subcommands.Command.Execute.
func (m *Mask) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var masks []uint64
	for _, arg := range f.Args() {
		mask, err := parseAddr(arg)
		if err != nil {
			return Errorf("%v", err)
		}
		masks = append(masks, mask)
	}
	pc, err := loadConfig(m.config)
	if err != nil {
		return Errorf("loading configuration: %v", err)
	}
	cfg, err := pc.Build(nil)
	if err != nil {
		return Errorf("building configuration: %v", err)
	}
	if err := writeMasks(os.Stdout, cfg, masks); err != nil {
		return Errorf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeMasks(out io.Writer, cfg *dma.Config, masks []uint64) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprint(w, "MASK\tSUPPORTED\tMAX ADDRESS\tARENA\n")
	for _, mask := range masks {
		arena := "-"
		if a := cfg.ArenaFor(&dma.Device{Mask: mask}); a != nil {
			arena = a.Name()
		}
		fmt.Fprintf(w, "%#x\t%t\t%#x\t%s\n", mask, cfg.Supported(mask), cfg.MaxAddressable(mask), arena)
	}
	return w.Flush()
}
