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

package ct

import (
	"gvisor.dev/gpuct/pkg/metric"
)

type channelMetrics struct {
	h2g         *metric.Uint64Metric
	g2h         *metric.Uint64Metric
	retries     *metric.Uint64Metric
	busy        *metric.Uint64Metric
	failures    *metric.Uint64Metric
	unsolicited *metric.Uint64Metric
	unhandled   *metric.Uint64Metric
	roomWaits   *metric.Uint64Metric
	backlog     *metric.Uint64Metric
	broken      *metric.Uint64Metric
	migrations  *metric.Uint64Metric
}

func newChannelMetrics(r *metric.Registry, c *Channel) (*channelMetrics, error) {
	var err error
	counter := func(name, description string, fields ...metric.Field) *metric.Uint64Metric {
		if err != nil {
			return nil
		}
		var m *metric.Uint64Metric
		m, err = r.NewUint64Metric(name, description, fields...)
		return m
	}
	m := &channelMetrics{
		h2g:         counter("/ct/h2g_messages", "Messages written to H2G.", metric.NewField("type", "request", "fast_request")),
		g2h:         counter("/ct/g2h_messages", "Messages read from G2H.", metric.NewField("type", "event", "response", "invalid")),
		retries:     counter("/ct/retries", "Requests sent again after NO_RESPONSE_RETRY."),
		busy:        counter("/ct/busy", "NO_RESPONSE_BUSY answers."),
		failures:    counter("/ct/failures", "RESPONSE_FAILURE answers."),
		unsolicited: counter("/ct/unsolicited", "Responses matching no pending request."),
		unhandled:   counter("/ct/unhandled_events", "Deferred events without a handler."),
		roomWaits:   counter("/ct/room_waits", "Sends that had to wait for buffer room."),
		backlog:     counter("/ct/worker_backlog", "Times the worker backlog grew past Options.WorkerQueue."),
		broken:      counter("/ct/broken", "Times the channel broke."),
		migrations:  counter("/ct/migrations", "Firmware migrations recovered from."),
	}
	if err != nil {
		return nil, err
	}
	gauges := []struct {
		name, description string
		value             func(...string) uint64
	}{
		{"/ct/g2h_credit", "G2H credit available.", func(...string) uint64 { return uint64(c.credit.Load()) }},
		{"/ct/g2h_credit_low", "Lowest G2H credit since the last reset.", func(...string) uint64 { return uint64(c.creditLow.Load()) }},
		{"/ct/pending", "Requests waiting for an answer.", func(...string) uint64 {
			c.pendingMu.Lock()
			defer c.pendingMu.Unlock()
			return uint64(len(c.pending))
		}},
	}
	for _, g := range gauges {
		if err := r.RegisterCustomUint64Metric(g.name, false /* cumulative */, g.description, g.value); err != nil {
			return nil, err
		}
	}
	return m, nil
}
