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

// Package platform describes the translation hardware of a bus and builds
// the corresponding dma.Config.
package platform

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/iovakit/iovakit/pkg/dma"
	"github.com/iovakit/iovakit/pkg/iova"
	"github.com/iovakit/iovakit/pkg/log"
)

// Format is a configuration file format.
type Format string

const (
	TOML Format = "toml"
	YAML Format = "yaml"
)

var (
	// ErrUnknownFormat is returned for files whose format cannot be
	// determined.
	ErrUnknownFormat = errors.New("unknown configuration format")

	// ErrInvalid is returned by Validate.
	ErrInvalid = errors.New("invalid platform configuration")
)

// FormatOf returns the format of a file based on its extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return TOML, nil
	case ".yaml", ".yml":
		return YAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, path)
	}
}

// Config is the static description of a bus.
type Config struct {
	// PageShift is log2 of the translation page size. Zero means
	// iova.DefaultPageShift.
	PageShift uint `toml:"page_shift" yaml:"page_shift"`

	// DirectMap is the identity window. A zero size disables it.
	DirectMap Window `toml:"direct_map" yaml:"direct_map"`

	// DAC is the 64-bit window. A zero offset disables it.
	DAC DAC `toml:"dac" yaml:"dac"`

	// Arenas are the translated windows, in the order devices try them.
	Arenas []Arena `toml:"arena" yaml:"arena"`
}

// Window is a bus address range.
type Window struct {
	Base uint64 `toml:"base" yaml:"base"`
	Size uint64 `toml:"size" yaml:"size"`
}

// DAC is the dual address cycle window.
type DAC struct {
	Offset uint64 `toml:"offset" yaml:"offset"`
}

// Arena is one translated window.
type Arena struct {
	Name      string `toml:"name" yaml:"name"`
	Base      uint64 `toml:"base" yaml:"base"`
	Size      uint64 `toml:"size" yaml:"size"`
	Align     int    `toml:"align" yaml:"align"`
	VirtMerge bool   `toml:"virt_merge" yaml:"virt_merge"`
}

func (a *Arena) end() uint64 {
	return a.Base + a.Size - 1
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	return c, nil
}

// Decode parses and validates a configuration. Unknown keys are errors.
func Decode(data []byte, format Format) (*Config, error) {
	var c Config
	switch format {
	case TOML:
		md, err := toml.Decode(string(data), &c)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that the windows are well formed and disjoint. Arena
// geometry is checked further by iova.New.
func (c *Config) Validate() error {
	if c.PageShift != 0 && (c.PageShift < 9 || c.PageShift > 30) {
		return fmt.Errorf("%w: page shift %d", ErrInvalid, c.PageShift)
	}
	if c.DirectMap.Size != 0 && c.DirectMap.Base+c.DirectMap.Size-1 < c.DirectMap.Base {
		return fmt.Errorf("%w: direct map [%#x, +%#x) overflows", ErrInvalid, c.DirectMap.Base, c.DirectMap.Size)
	}

	type span struct {
		name       string
		start, end uint64
	}
	var spans []span
	if c.DirectMap.Size != 0 {
		spans = append(spans, span{"direct map", c.DirectMap.Base, c.DirectMap.Base + c.DirectMap.Size - 1})
	}
	names := make(map[string]bool)
	for i := range c.Arenas {
		a := &c.Arenas[i]
		if a.Name == "" {
			return fmt.Errorf("%w: arena %d has no name", ErrInvalid, i)
		}
		if names[a.Name] {
			return fmt.Errorf("%w: duplicate arena %q", ErrInvalid, a.Name)
		}
		names[a.Name] = true
		if a.Size == 0 || a.end() < a.Base {
			return fmt.Errorf("%w: arena %q: bad window [%#x, +%#x)", ErrInvalid, a.Name, a.Base, a.Size)
		}
		spans = append(spans, span{fmt.Sprintf("arena %q", a.Name), a.Base, a.end()})
	}
	if c.DAC.Offset != 0 {
		spans = append(spans, span{"dac", c.DAC.Offset, ^uint64(0)})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start <= spans[i-1].end {
			return fmt.Errorf("%w: %s overlaps %s", ErrInvalid, spans[i].name, spans[i-1].name)
		}
	}
	return nil
}

// Build creates the arenas and returns the bus configuration. Arena i is
// given window ID i, and all arenas share flusher.
func (c *Config) Build(flusher iova.Flusher) (*dma.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg := &dma.Config{
		Direct: dma.DirectWindow{Base: c.DirectMap.Base, Size: c.DirectMap.Size},
		DAC:    dma.DACWindow{Offset: c.DAC.Offset},
	}
	for i, ac := range c.Arenas {
		a, err := iova.New(iova.Options{
			Name:      ac.Name,
			ID:        iova.WindowID(i),
			Base:      ac.Base,
			Size:      ac.Size,
			PageShift: c.PageShift,
			Align:     ac.Align,
			VirtMerge: ac.VirtMerge,
			Flusher:   flusher,
		})
		if err != nil {
			return nil, fmt.Errorf("arena %q: %w", ac.Name, err)
		}
		cfg.Arenas = append(cfg.Arenas, a)
	}
	log.Infof("platform: direct map [%#x, +%#x), dac offset %#x, %d arenas", c.DirectMap.Base, c.DirectMap.Size, c.DAC.Offset, len(cfg.Arenas))
	return cfg, nil
}
