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
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/iovakit/iovakit/pkg/bits"
	"github.com/iovakit/iovakit/pkg/dma"
	"github.com/iovakit/iovakit/pkg/iova"
	"github.com/iovakit/iovakit/pkg/log"
	"github.com/iovakit/iovakit/pkg/metric"
	"github.com/iovakit/iovakit/pkg/platform"
	"github.com/iovakit/iovakit/pkg/platform/sim"
)

var retriesMetric = &metric.Metric{
	Name: "iovactl_map_retries_total",
	Type: metric.TypeCounter,
	Help: "Mappings retried after an arena was exhausted.",
}

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	config     string
	workers    int
	ops        int
	memSize    uint64
	tlbEntries int
	mask       string
	maxFrags   int
	seed       int64
	retryTime  time.Duration
	format     string
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "run concurrent DMA traffic through a simulated IOMMU"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate -config <file> [flags] - build the configured windows on top of
simulated memory and IOMMU, then run workers that map buffers and
scatter-gather lists, move data through them by DMA, verify it, and unmap.
Exhausted arenas are retried with exponential backoff. Statistics are
printed at the end.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	configFlag(f, &s.config)
	f.IntVar(&s.workers, "workers", 4, "number of concurrent devices.")
	f.IntVar(&s.ops, "ops", 1000, "mappings per device.")
	f.Uint64Var(&s.memSize, "mem", 64<<20, "bytes of simulated physical memory.")
	f.IntVar(&s.tlbEntries, "tlb", sim.DefaultTLBEntries, "translation cache entries per window.")
	f.StringVar(&s.mask, "mask", "0xffffffff", "DMA mask of the devices.")
	f.IntVar(&s.maxFrags, "max-frags", 8, "maximum fragments per scatter-gather list.")
	f.Int64Var(&s.seed, "seed", 1, "random seed.")
	f.DurationVar(&s.retryTime, "retry-time", 5*time.Second, "how long to retry a mapping while arenas are exhausted.")
	f.StringVar(&s.format, "format", "text", "statistics format: text or prom.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers < 1 || s.ops < 0 || s.maxFrags < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.format != "text" && s.format != "prom" {
		return Errorf("invalid format %q, must be 'text' or 'prom'", s.format)
	}
	mask, err := parseAddr(s.mask)
	if err != nil {
		return Errorf("%v", err)
	}
	pc, err := loadConfig(s.config)
	if err != nil {
		return Errorf("loading configuration: %v", err)
	}

	start := time.Now()
	res, err := s.run(ctx, pc, mask)
	if res != nil {
		if werr := res.write(os.Stdout, s.format); werr != nil {
			return Errorf("writing statistics: %v", werr)
		}
	}
	if err != nil {
		return Errorf("simulation failed: %v", err)
	}
	log.Infof("simulated %d mappings on %d devices in %v", s.ops*s.workers, s.workers, time.Since(start))
	return subcommands.ExitSuccess
}

// simResult holds what a simulation leaves behind for reporting.
type simResult struct {
	cfg     *dma.Config
	iommu   *sim.IOMMU
	retries atomic.Uint64
}

func (s *Simulate) run(ctx context.Context, pc *platform.Config, mask uint64) (*simResult, error) {
	mem, err := sim.NewMemory(s.memSize)
	if err != nil {
		return nil, err
	}
	defer mem.Close()

	res := &simResult{iommu: sim.NewIOMMU(s.tlbEntries)}
	if res.cfg, err = pc.Build(res.iommu); err != nil {
		return nil, err
	}
	if err := res.iommu.Attach(res.cfg); err != nil {
		return nil, err
	}

	page := uint64(1) << iova.DefaultPageShift
	if pc.PageShift != 0 {
		page = uint64(1) << pc.PageShift
	}
	region := bits.AlignDown64(s.memSize/uint64(s.workers), page)
	if region < 4*page {
		return nil, fmt.Errorf("%d bytes of memory is too small for %d workers", s.memSize, s.workers)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		w := &worker{
			id:        i,
			cfg:       res.cfg,
			dev:       sim.NewDevice(dma.Device{Name: fmt.Sprintf("dev%d", i), Mask: mask}, res.iommu, mem),
			mem:       mem,
			base:      uint64(i) * region,
			size:      region,
			page:      page,
			maxFrags:  s.maxFrags,
			retryTime: s.retryTime,
			retries:   &res.retries,
			rand:      rand.New(rand.NewSource(s.seed + int64(i))),
		}
		g.Go(func() error { return w.run(ctx, s.ops) })
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	for _, a := range res.cfg.Arenas {
		if !a.Idle() {
			return res, fmt.Errorf("arena %s: %d entries still allocated after all unmaps", a.Name(), a.Used())
		}
	}
	return res, nil
}

func (r *simResult) write(out io.Writer, format string) error {
	if format == "prom" {
		snap := metric.NewSnapshot()
		for _, a := range r.cfg.Arenas {
			snap.AddArena(a)
		}
		tlb := r.iommu.Stats()
		snap.Add(metric.TLBHits, nil, float64(tlb.Hits)).
			Add(metric.TLBMisses, nil, float64(tlb.Misses)).
			Add(metric.TLBFlushes, nil, float64(tlb.Flushes)).
			Add(retriesMetric, nil, float64(r.retries.Load()))
		_, err := snap.Write(out)
		return err
	}

	for _, a := range r.cfg.Arenas {
		st := a.Stats()
		if _, err := fmt.Fprintf(out, "arena %s: allocs %d frees %d failures %d flushes %d/%d (exhaustion/release) used %d/%d\n",
			a.Name(), st.Allocs, st.Frees, st.AllocFailures, st.ExhaustionFlushes, st.RangeFlushes, st.Used, st.Total); err != nil {
			return err
		}
	}
	tlb := r.iommu.Stats()
	_, err := fmt.Fprintf(out, "tlb: hits %d misses %d flushes %d\nretries: %d\n", tlb.Hits, tlb.Misses, tlb.Flushes, r.retries.Load())
	return err
}

// worker drives one device. It only touches physical memory in
// [base, base+size), so workers never race on data.
type worker struct {
	id        int
	cfg       *dma.Config
	dev       *sim.Device
	mem       *sim.Memory
	base      uint64
	size      uint64
	page      uint64
	maxFrags  int
	retryTime time.Duration
	retries   *atomic.Uint64
	rand      *rand.Rand
}

func (w *worker) run(ctx context.Context, ops int) error {
	for i := 0; i < ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if w.rand.Intn(2) == 0 {
			err = w.single(ctx)
		} else {
			err = w.scatter(ctx)
		}
		if err != nil {
			return fmt.Errorf("%s: operation %d: %w", w.dev.Name, i, err)
		}
	}
	return nil
}

// retry calls op until it succeeds, fails with an error other than
// dma.ErrNoSpace, or the retry time runs out.
func (w *worker) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = w.retryTime
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, dma.ErrNoSpace) {
			w.retries.Add(1)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

func (w *worker) single(ctx context.Context) error {
	length := 1 + uint64(w.rand.Int63n(int64(4*w.page)))
	phys := w.base + uint64(w.rand.Int63n(int64(w.size-length+1)))

	var bus uint64
	if err := w.retry(ctx, func() (err error) {
		bus, err = w.cfg.MapSingle(&w.dev.Device, phys, length)
		return err
	}); err != nil {
		return fmt.Errorf("mapping [%#x, +%#x): %w", phys, length, err)
	}
	defer w.cfg.UnmapSingle(&w.dev.Device, bus, length)

	data := make([]byte, length)
	w.rand.Read(data)
	if err := w.dev.Write(bus, data); err != nil {
		return err
	}
	return w.verify(phys, data)
}

func (w *worker) scatter(ctx context.Context) error {
	sg := w.fragments()
	if err := w.retry(ctx, func() error {
		_, err := w.cfg.MapSG(&w.dev.Device, sg)
		return err
	}); err != nil {
		return fmt.Errorf("mapping %d fragments: %w", len(sg), err)
	}
	defer w.cfg.UnmapSG(&w.dev.Device, sg)

	var total uint64
	for _, f := range sg {
		total += f.Length
	}
	data := make([]byte, total)
	w.rand.Read(data)
	n, err := w.dev.WriteSG(sg, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("scatter-gather write moved %d of %d bytes", n, len(data))
	}
	for _, f := range sg {
		if err := w.verify(f.Phys, data[:f.Length]); err != nil {
			return err
		}
		data = data[f.Length:]
	}
	return nil
}

// fragments returns a list mixing physically contiguous, page aligned and
// unaligned neighbours.
func (w *worker) fragments() []dma.Fragment {
	n := 2 + w.rand.Intn(w.maxFrags-1)
	end := w.base + w.size
	cur := w.base + uint64(w.rand.Int63n(int64(w.size/2)))
	var sg []dma.Fragment
	for i := 0; i < n; i++ {
		length := 1 + uint64(w.rand.Int63n(int64(2*w.page)))
		switch w.rand.Intn(3) {
		case 0:
			// Follows the previous fragment.
		case 1:
			cur = bits.AlignUp64(cur, w.page) + w.page
			length = bits.AlignUp64(length, w.page)
		default:
			cur += 1 + uint64(w.rand.Int63n(int64(w.page)))
		}
		if cur+length > end {
			break
		}
		sg = append(sg, dma.Fragment{Phys: cur, Length: length})
		cur += length
	}
	if len(sg) == 0 {
		sg = append(sg, dma.Fragment{Phys: w.base, Length: w.page})
	}
	return sg
}

func (w *worker) verify(phys uint64, want []byte) error {
	got := make([]byte, len(want))
	if _, err := w.mem.ReadAt(got, int64(phys)); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("DMA to [%#x, +%#x) landed elsewhere", phys, len(want))
	}
	return nil
}
