// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vbot",
		Name:      "actions_executed_total",
		Help:      "Number of actions that completed, by action type.",
	}, []string{"type"})
	metricActionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vbot",
		Name:      "actions_failed_total",
		Help:      "Number of actions that failed, by action type.",
	}, []string{"type"})
	metricActionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vbot",
		Name:      "action_duration_seconds",
		Help:      "Time spent executing one action, screenshot included.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	metricComparisons = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vbot",
		Name:      "screenshot_comparisons_total",
		Help:      "Screenshot comparisons against a baseline, by outcome.",
	}, []string{"outcome"})
	metricMismatch = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vbot",
		Name:      "screenshot_mismatch_percentage",
		Help:      "Mismatch percentage of compared screenshots.",
		Buckets:   []float64{0, 0.1, 0.5, 1, 5, 10, 25, 50, 100},
	})
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vbot",
		Name:      "runs_total",
		Help:      "Completed runs, by result.",
	}, []string{"result"})
)

func recordAction(a Action, d time.Duration, err error) {
	metricActionDuration.Observe(d.Seconds())
	if err != nil {
		metricActionsFailed.WithLabelValues(string(a.Type)).Inc()
		return
	}
	metricActionsExecuted.WithLabelValues(string(a.Type)).Inc()
}

func recordComparison(a Analysis) {
	metricMismatch.Observe(a.MisMatchPercentage)
	if a.MisMatchPercentage > 0 {
		metricComparisons.WithLabelValues("mismatch").Inc()
		return
	}
	metricComparisons.WithLabelValues("match").Inc()
}

func recordRun(failed bool) {
	if failed {
		metricRuns.WithLabelValues("fail").Inc()
		return
	}
	metricRuns.WithLabelValues("pass").Inc()
}
