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

package reports

import (
	"log"
	"sync"

	"github.com/ttbt-io/vbot/runner"
)

// Recorder builds a RunReport from the event stream of a runner and saves
// it when the run ends.
type Recorder struct {
	// Store receives the finished report. It may be nil.
	Store *Store
	// MaxMismatch is the largest mismatch percentage that still passes.
	MaxMismatch float64
	// OnSaved, when set, is called after the report is saved.
	OnSaved func(*RunReport)

	mu     sync.Mutex
	report *RunReport
	done   bool
	err    error
}

// NewRecorder returns a Recorder for a run of project against host.
func NewRecorder(store *Store, project, host string) *Recorder {
	return &Recorder{
		Store: store,
		report: &RunReport{
			ID:      NewRunID(),
			Project: project,
			Host:    host,
		},
	}
}

// RunID returns the identifier of the recorded run.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report.ID
}

// Attach subscribes the recorder to every event of v.
func (r *Recorder) Attach(v *runner.VBot) {
	v.Subscribe(r.Handle)
}

// Handle consumes one event.
func (r *Recorder) Handle(ev runner.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}

	switch ev.Name {
	case runner.EventStart:
		r.report.StartedAt = ev.Time
	case runner.EventActionExecuted, runner.EventActionFail:
		if ev.Log == nil {
			return
		}
		entry := *ev.Log
		// Only the message of the error is stored.
		entry.Err = nil
		r.report.Actions = append(r.report.Actions, entry)
		if m, ok := r.mismatch(ev.Log); ok {
			r.report.Mismatches = append(r.report.Mismatches, m)
		}
	case runner.EventEnd:
		r.report.FinishedAt = ev.Time
		if ev.Summary != nil {
			r.report.Summary = *ev.Summary
		}
		r.done = true
		if r.Store != nil {
			if err := r.Store.SaveRun(r.report); err != nil {
				log.Printf("reports: saving run %s: %v", r.report.ID, err)
				r.err = err
				return
			}
		}
		if r.OnSaved != nil {
			r.OnSaved(r.report)
		}
	}
}

func (r *Recorder) mismatch(l *runner.ActionLog) (Mismatch, bool) {
	s := l.Screenshot
	if s == nil || s.Analysis == nil || s.Analysis.MisMatchPercentage <= r.MaxMismatch {
		return Mismatch{}, false
	}
	return Mismatch{
		Scenario:           l.Scenario,
		Step:               l.Step,
		Base:               s.Files.Base,
		Test:               s.Files.Test,
		Diff:               s.Files.Diff,
		MisMatchPercentage: s.Analysis.MisMatchPercentage,
	}, true
}

// Report returns the report and whether the run has ended. The report must
// not be modified.
func (r *Recorder) Report() (*RunReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report, r.done
}

// Err returns the error of the final save, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
