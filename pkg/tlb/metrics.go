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

package tlb

import (
	"gvisor.dev/gpuct/pkg/metric"
)

type tlbMetrics struct {
	full         *metric.Uint64Metric
	ranges       *metric.Uint64Metric
	pollTimeouts *metric.Uint64Metric
	waitTimeouts *metric.Uint64Metric
}

func newTLBMetrics(r *metric.Registry) (*tlbMetrics, error) {
	path := metric.NewField("path", "guc", "mmio")
	full, err := r.NewUint64Metric("/tlb/full_invalidations", "Full TLB invalidations issued.", path)
	if err != nil {
		return nil, err
	}
	ranges, err := r.NewUint64Metric("/tlb/range_invalidations", "Selective TLB invalidations issued.", path)
	if err != nil {
		return nil, err
	}
	polls, err := r.NewUint64Metric("/tlb/poll_timeouts", "Register invalidations not acknowledged in time.")
	if err != nil {
		return nil, err
	}
	waits, err := r.NewUint64Metric("/tlb/wait_timeouts", "Waits for an invalidation that timed out.")
	if err != nil {
		return nil, err
	}
	return &tlbMetrics{full: full, ranges: ranges, pollTimeouts: polls, waitTimeouts: waits}, nil
}
