// Copyright 2026 The gVisor Authors.
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

// Package metric provides counters for the transport and the invalidation
// engine, and exports them in the Prometheus text format.
//
// Unlike a process-wide metric table, every Registry is owned by the tile
// that increments it, so several tiles in one process keep separate
// counts.
package metric

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/gpuct/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")

	// ErrInvalidName indicates a name that cannot be exported.
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	name          string
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps a combination of field values to a single index.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible
	// field combinations.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	n := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		n *= len(f.allowedValues)
		if n > math.MaxUint16 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{fields: fields, numFieldCombinations: n}, nil
}

// lookup returns the index of a combination of values. It panics if the
// number of values is wrong or a value is not allowed.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic(fmt.Sprintf("got %d field values, want %d", len(values), len(m.fields)))
	}
	idx := 0
	for i, v := range values {
		allowed := m.fields[i].allowedValues
		j := 0
		for ; j < len(allowed); j++ {
			if allowed[j] == v {
				break
			}
		}
		if j == len(allowed) {
			panic(fmt.Sprintf("disallowed value %q for field %q", v, m.fields[i].name))
		}
		idx = idx*len(allowed) + j
	}
	return idx
}

// values is the inverse of lookup.
func (m fieldMapper) values(idx int) []string {
	out := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		allowed := m.fields[i].allowedValues
		out[i] = allowed[idx%len(allowed)]
		idx /= len(allowed)
	}
	return out
}

// Uint64Metric is a counter, optionally broken down by fields.
type Uint64Metric struct {
	fields      []atomic.Uint64
	fieldMapper fieldMapper
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

type registered struct {
	name        string
	description string
	cumulative  bool
	mapper      fieldMapper
	value       func(fieldValues ...string) uint64
}

// Registry holds a set of metrics.
type Registry struct {
	prefix string

	mu      sync.Mutex
	metrics map[string]*registered
}

// NewRegistry returns an empty Registry. Exported metric names are prefixed
// with prefix.
func NewRegistry(prefix string) *Registry {
	return &Registry{
		prefix:  prefix,
		metrics: make(map[string]*registered),
	}
}

func validName(name string) bool {
	if len(name) < 2 || name[0] != '/' {
		return false
	}
	for _, c := range name[1:] {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '/') {
			return false
		}
	}
	return true
}

// RegisterCustomUint64Metric registers a metric whose value is computed by
// value at export time. Non-cumulative metrics are exported as gauges.
func (r *Registry) RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	mapper, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	r.metrics[name] = &registered{
		name:        name,
		description: description,
		cumulative:  cumulative,
		mapper:      mapper,
		value:       value,
	}
	return nil
}

// NewUint64Metric creates and registers a new counter.
func (r *Registry) NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		fieldMapper: f,
		fields:      make([]atomic.Uint64, f.numFieldCombinations),
	}
	return m, r.RegisterCustomUint64Metric(name, true /* cumulative */, description, m.Value, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func (r *Registry) MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// MustRegisterGauge registers a non-cumulative metric computed by value and
// panics on error.
func (r *Registry) MustRegisterGauge(name, description string, value func(...string) uint64, fields ...Field) {
	if err := r.RegisterCustomUint64Metric(name, false /* cumulative */, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
}

func (r *Registry) sorted() []*registered {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registered, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Values returns the current value of every metric and field combination,
// keyed by metric name and then by the field values joined with ",".
func (r *Registry) Values() map[string]map[string]uint64 {
	out := make(map[string]map[string]uint64)
	for _, m := range r.sorted() {
		vals := make(map[string]uint64, m.mapper.numFieldCombinations)
		for i := 0; i < m.mapper.numFieldCombinations; i++ {
			fv := m.mapper.values(i)
			vals[strings.Join(fv, ",")] = m.value(fv...)
		}
		out[m.name] = vals
	}
	return out
}

// exportName turns "/ct/h2g_messages" into "<prefix>_ct_h2g_messages".
func (r *Registry) exportName(name string) string {
	n := strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
	if r.prefix == "" {
		return n
	}
	return r.prefix + "_" + n
}

// families converts the registry into Prometheus metric families.
func (r *Registry) families() []*dto.MetricFamily {
	var out []*dto.MetricFamily
	for _, m := range r.sorted() {
		typ := dto.MetricType_GAUGE
		if m.cumulative {
			typ = dto.MetricType_COUNTER
		}
		mf := &dto.MetricFamily{
			Name: proto.String(r.exportName(m.name)),
			Help: proto.String(m.description),
			Type: typ.Enum(),
		}
		for i := 0; i < m.mapper.numFieldCombinations; i++ {
			fv := m.mapper.values(i)
			v := float64(m.value(fv...))
			sample := &dto.Metric{}
			for j, f := range m.mapper.fields {
				sample.Label = append(sample.Label, &dto.LabelPair{
					Name:  proto.String(f.name),
					Value: proto.String(fv[j]),
				})
			}
			if m.cumulative {
				sample.Counter = &dto.Counter{Value: proto.Float64(v)}
			} else {
				sample.Gauge = &dto.Gauge{Value: proto.Float64(v)}
			}
			mf.Metric = append(mf.Metric, sample)
		}
		out = append(out, mf)
	}
	return out
}

// WritePrometheus writes every metric to w in the Prometheus text exposition
// format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	for _, mf := range r.families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}
