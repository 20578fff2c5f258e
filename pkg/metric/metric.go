// Copyright 2018 The gVisor Authors.
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

// Package metric exports allocator statistics in the Prometheus text
// format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package metric

import (
	"fmt"
	"io"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/iovakit/iovakit/pkg/iova"
)

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeCounter = Type(iota)
	TypeGauge
)

func (t Type) dto() dto.MetricType {
	if t == TypeGauge {
		return dto.MetricType_GAUGE
	}
	return dto.MetricType_COUNTER
}

// Metric is Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string

	// Type is the type of the metric.
	Type Type

	// Help explains what the metric is about.
	Help string
}

// Arena metrics, labelled by arena.
var (
	Allocations = &Metric{
		Name: "iova_allocations_total",
		Type: TypeCounter,
		Help: "Successful entry range allocations.",
	}
	Frees = &Metric{
		Name: "iova_frees_total",
		Type: TypeCounter,
		Help: "Entry ranges returned to the arena.",
	}
	AllocationFailures = &Metric{
		Name: "iova_allocation_failures_total",
		Type: TypeCounter,
		Help: "Allocations that failed because the arena was exhausted.",
	}
	Flushes = &Metric{
		Name: "iova_flushes_total",
		Type: TypeCounter,
		Help: "Translation cache flushes requested by the arena, by reason.",
	}
	EntriesUsed = &Metric{
		Name: "iova_entries_used",
		Type: TypeGauge,
		Help: "Allocated translation entries.",
	}
	EntriesTotal = &Metric{
		Name: "iova_entries_total",
		Type: TypeGauge,
		Help: "Translation entries in the arena.",
	}
)

// Translation cache metrics of a simulated IOMMU.
var (
	TLBHits = &Metric{
		Name: "iommu_tlb_hits_total",
		Type: TypeCounter,
		Help: "Translations served from the translation cache.",
	}
	TLBMisses = &Metric{
		Name: "iommu_tlb_misses_total",
		Type: TypeCounter,
		Help: "Translations that walked the translation table.",
	}
	TLBFlushes = &Metric{
		Name: "iommu_tlb_flushes_total",
		Type: TypeCounter,
		Help: "Translation cache flush requests.",
	}
)

// Snapshot is a set of metric values taken at one point in time.
type Snapshot struct {
	families map[string]*dto.MetricFamily
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{families: make(map[string]*dto.MetricFamily)}
}

// Add adds one sample of m. It panics if m was added before with a
// different type.
func (s *Snapshot) Add(m *Metric, labels map[string]string, val float64) *Snapshot {
	f, ok := s.families[m.Name]
	if !ok {
		f = &dto.MetricFamily{
			Name: proto.String(m.Name),
			Help: proto.String(m.Help),
			Type: m.Type.dto().Enum(),
		}
		s.families[m.Name] = f
	} else if f.GetType() != m.Type.dto() {
		panic(fmt.Sprintf("metric %q added as both %v and %v", m.Name, f.GetType(), m.Type.dto()))
	}

	sample := &dto.Metric{Label: labelPairs(labels)}
	switch m.Type {
	case TypeGauge:
		sample.Gauge = &dto.Gauge{Value: proto.Float64(val)}
	default:
		sample.Counter = &dto.Counter{Value: proto.Float64(val)}
	}
	f.Metric = append(f.Metric, sample)
	return s
}

// labelPairs returns labels sorted by name.
func labelPairs(labels map[string]string) []*dto.LabelPair {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]*dto.LabelPair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(name), Value: proto.String(labels[name])})
	}
	return pairs
}

// AddArena adds the statistics of a.
func (s *Snapshot) AddArena(a *iova.Arena) *Snapshot {
	st := a.Stats()
	label := map[string]string{"arena": a.Name()}
	reason := func(r string) map[string]string {
		return map[string]string{"arena": a.Name(), "reason": r}
	}
	return s.
		Add(Allocations, label, float64(st.Allocs)).
		Add(Frees, label, float64(st.Frees)).
		Add(AllocationFailures, label, float64(st.AllocFailures)).
		Add(Flushes, reason("exhaustion"), float64(st.ExhaustionFlushes)).
		Add(Flushes, reason("release"), float64(st.RangeFlushes)).
		Add(EntriesUsed, label, float64(st.Used)).
		Add(EntriesTotal, label, float64(st.Total))
}

// Families returns the metric families sorted by name.
func (s *Snapshot) Families() []*dto.MetricFamily {
	fams := make([]*dto.MetricFamily, 0, len(s.families))
	for _, f := range s.families {
		fams = append(fams, f)
	}
	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

// Write writes the snapshot to w in the Prometheus text format and returns
// the number of bytes written.
func (s *Snapshot) Write(w io.Writer) (int, error) {
	written := 0
	for _, f := range s.Families() {
		n, err := expfmt.MetricFamilyToText(w, f)
		written += n
		if err != nil {
			return written, fmt.Errorf("writing metric %q: %w", f.GetName(), err)
		}
	}
	return written, nil
}
