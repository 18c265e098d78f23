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
	"bytes"
	"encoding/json"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// EventName identifies a lifecycle event of a run.
type EventName string

const (
	EventStart          EventName = "start"
	EventActionExecuted EventName = "action.executed"
	EventActionFail     EventName = "action.fail"
	EventEnd            EventName = "end"
)

// ActionLog records one attempted action. It is built once and never
// modified after it is emitted.
type ActionLog struct {
	// Index counts action attempts across the whole run, starting at 0.
	Index int `json:"index"`
	// Step is the position of the action inside its scenario.
	Step       int               `json:"step"`
	Scenario   string            `json:"scenario"`
	Action     Action            `json:"action"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Screenshot *ScreenshotResult `json:"screenshot,omitempty"`
	Err        error             `json:"-"`
	Error      string            `json:"error,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// Summary is carried by the end event.
type Summary struct {
	Executed    int `json:"executed"`
	Failed      int `json:"failed"`
	Screenshots int `json:"screenshots"`
	Mismatches  int `json:"mismatches"`
	// Aborted is set when a fatal error stopped the run early.
	Aborted bool   `json:"aborted,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Event is delivered to listeners. Log is set for action events, Summary
// for the end event.
type Event struct {
	Name    EventName  `json:"name"`
	Time    time.Time  `json:"time"`
	Log     *ActionLog `json:"log,omitempty"`
	Summary *Summary   `json:"summary,omitempty"`
	Err     error      `json:"-"`
}

// Listener receives events. Listeners run on the run goroutine, one at a
// time, in registration order; a slow listener delays the run.
type Listener func(Event)

type listenerEntry struct {
	name EventName // empty for all events
	fn   Listener
}

// emitter delivers each event to every matching listener before returning,
// which keeps delivery order identical to emission order. Once close returns
// no listener is called again.
type emitter struct {
	mu        sync.Mutex
	listeners []listenerEntry
	closed    atomic.Bool

	// deliverMu is held while listeners run. close takes it to wait out a
	// delivery on another goroutine; deliverer lets a listener close the
	// stream without waiting on itself.
	deliverMu sync.Mutex
	deliverer atomic.Uint64
}

func (e *emitter) on(name EventName, fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, listenerEntry{name: name, fn: fn})
}

// emit delivers ev and reports whether the stream was still open.
func (e *emitter) emit(ev Event) bool {
	if e.closed.Load() {
		return false
	}
	e.mu.Lock()
	listeners := append([]listenerEntry(nil), e.listeners...)
	e.mu.Unlock()

	e.deliverMu.Lock()
	e.deliverer.Store(goroutineID())
	defer func() {
		e.deliverer.Store(0)
		e.deliverMu.Unlock()
	}()
	for _, l := range listeners {
		if e.closed.Load() {
			return false
		}
		if l.name == "" || l.name == ev.Name {
			l.fn(ev)
		}
	}
	return !e.closed.Load()
}

func (e *emitter) close() {
	e.closed.Store(true)
	if e.deliverer.Load() == goroutineID() {
		// Called from a listener. emit stops after it returns.
		return
	}
	e.deliverMu.Lock()
	e.deliverMu.Unlock()
}

// goroutineID returns the id of the calling goroutine, parsed from the
// "goroutine N [" header of its stack.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
