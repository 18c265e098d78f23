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
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"
)

// fakeSession is a scripted Session. Eval answers with evalFn, or true when
// evalFn is nil.
type fakeSession struct {
	mu         sync.Mutex
	evalFn     func(expr string) (*EvalResult, error)
	screenshot []byte
	shots      int
	exprs      []string
	navigated  []string
	width      int64
	height     int64
	closed     int
}

func (s *fakeSession) Eval(ctx context.Context, expr string) (*EvalResult, error) {
	s.mu.Lock()
	s.exprs = append(s.exprs, expr)
	fn := s.evalFn
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, &EvalError{Expr: expr, Err: err}
	}
	if fn == nil {
		return &EvalResult{Type: "boolean", Value: json.RawMessage(`true`)}, nil
	}
	return fn(expr)
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigated = append(s.navigated, url)
	return nil
}

func (s *fakeSession) Screenshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shots++
	return s.screenshot, nil
}

func (s *fakeSession) SetViewport(ctx context.Context, width, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = width, height
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) Shots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shots
}

func (s *fakeSession) Exprs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.exprs...)
}

func dialerFor(s Session) Dialer {
	return func(ctx context.Context, host string, debug bool) (Session, error) {
		return s, nil
	}
}

// solidPNG encodes a w x h image of color c.
func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	return pngWith(t, w, h, func(x, y int) color.Color { return c })
}

func pngWith(t *testing.T, w, h int, fn func(x, y int) color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fn(x, y))
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

var white = color.RGBA{255, 255, 255, 255}

func evalActions(n int) []Action {
	actions := make([]Action, n)
	for i := range actions {
		actions[i] = Action{Type: ActionEval, Expr: "1 + 1"}
	}
	return actions
}

func newTestBot(t *testing.T, sess Session, project *Project, mod func(*Options)) *VBot {
	t.Helper()
	opts := Options{
		Project: project,
		Host:    "http://127.0.0.1:9222",
		ImgDir:  t.TempDir(),
		Dialer:  dialerFor(sess),
	}
	if mod != nil {
		mod(&opts)
	}
	v, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

// runToEnd starts v, waits for the run goroutine and returns every event.
func runToEnd(t *testing.T, v *VBot) []Event {
	t.Helper()
	var (
		mu     sync.Mutex
		events []Event
	)
	v.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	if err := v.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-v.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	v.Close()
	mu.Lock()
	defer mu.Unlock()
	return events
}

func eventsNamed(events []Event, name EventName) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
