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
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitterOrder(t *testing.T) {
	var e emitter
	var got []string
	e.on("", func(ev Event) { got = append(got, "all:"+string(ev.Name)) })
	e.on(EventEnd, func(ev Event) { got = append(got, "end") })
	e.on(EventStart, func(ev Event) { got = append(got, "start") })

	e.emit(Event{Name: EventStart})
	e.emit(Event{Name: EventEnd})

	want := []string{"all:start", "start", "all:end", "end"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEmitterClose(t *testing.T) {
	var e emitter
	var got []EventName
	e.on("", func(ev Event) {
		got = append(got, ev.Name)
		e.close()
	})
	e.on("", func(ev Event) { got = append(got, "second") })

	// The stream closes while the first event is being delivered.
	if e.emit(Event{Name: EventStart}) {
		t.Error("emit did not report the close")
	}
	if e.emit(Event{Name: EventEnd}) {
		t.Error("emit after close reported an open stream")
	}
	if want := []EventName{EventStart}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEmitterCloseWaitsForDelivery(t *testing.T) {
	var e emitter
	started := make(chan struct{})
	release := make(chan struct{})
	var second atomic.Bool
	e.on("", func(ev Event) {
		close(started)
		<-release
	})
	e.on("", func(ev Event) { second.Store(true) })

	emitted := make(chan bool)
	go func() { emitted <- e.emit(Event{Name: EventStart}) }()
	<-started

	closed := make(chan struct{})
	go func() {
		e.close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("close returned while a listener was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return after the listener finished")
	}
	if <-emitted {
		t.Error("emit did not report the close")
	}
	if second.Load() {
		t.Error("listener called after close")
	}
	if e.emit(Event{Name: EventEnd}) {
		t.Error("emit after close reported an open stream")
	}
}
