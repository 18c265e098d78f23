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
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ttbt-io/vbot/tools/e2ehelpers"
)

// EvalResult is the value of an evaluated expression, as returned by the
// browser's evaluation protocol.
type EvalResult struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Text returns the value as plain text. JSON strings are unquoted.
func (r *EvalResult) Text() string {
	if r == nil || len(r.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Value, &s); err == nil {
		return s
	}
	return string(r.Value)
}

// Decode unmarshals the value into v. A string value holding JSON, like the
// result of JSON.stringify, is decoded as that JSON document.
func (r *EvalResult) Decode(v any) error {
	if r == nil || len(r.Value) == 0 {
		return fmt.Errorf("no value to decode")
	}
	if bytes.HasPrefix(bytes.TrimSpace(r.Value), []byte(`"`)) {
		return json.Unmarshal([]byte(r.Text()), v)
	}
	return json.Unmarshal(r.Value, v)
}

// Session is one live browser page driven by the runner.
type Session interface {
	Eval(ctx context.Context, expr string) (*EvalResult, error)
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context) ([]byte, error)
	SetViewport(ctx context.Context, width, height int64) error
	Close() error
}

// Dialer opens a Session on the browser at host.
type Dialer func(ctx context.Context, host string, debug bool) (Session, error)

// ChromeSession drives a remote Chrome over the DevTools protocol.
type ChromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

var _ Session = (*ChromeSession)(nil)

// DialChrome connects to the remote debugging endpoint at host and opens a
// new tab. host may be an http:// endpoint or a ws:// debugger URL.
func DialChrome(ctx context.Context, host string, debug bool) (Session, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), host)

	var opts []chromedp.ContextOption
	if debug {
		opts = append(opts, chromedp.WithLogf(log.Printf), chromedp.WithErrorf(log.Printf))
	}
	tabCtx, cancel := chromedp.NewContext(allocCtx, opts...)

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	// The first Run attaches to the browser and creates the target.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("connect to browser at %s: %w", host, err)
	}
	return &ChromeSession{ctx: tabCtx, cancel: cancel, allocCancel: allocCancel}, nil
}

// Context returns the chromedp context of the tab.
func (s *ChromeSession) Context() context.Context {
	return s.ctx
}

// run executes actions on the tab and stops early when ctx is done.
func (s *ChromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *ChromeSession) Eval(ctx context.Context, expr string) (*EvalResult, error) {
	var res *EvalResult
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, exp, err := runtime.Evaluate(expr).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exp != nil {
			return &EvalError{Expr: expr, Exception: exceptionText(exp)}
		}
		res = remoteObjectResult(obj)
		return nil
	}))
	if err != nil {
		var evalErr *EvalError
		if errors.As(err, &evalErr) {
			return nil, evalErr
		}
		return nil, &EvalError{Expr: expr, Err: err}
	}
	return res, nil
}

func (s *ChromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		e2ehelpers.DisableCSSAnimations(),
	)
}

func (s *ChromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (s *ChromeSession) SetViewport(ctx context.Context, width, height int64) error {
	return s.run(ctx, chromedp.EmulateViewport(width, height))
}

// Close closes the tab and releases the allocator. It is safe to call more
// than once.
func (s *ChromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.allocCancel()
	})
	return nil
}

func remoteObjectResult(obj *runtime.RemoteObject) *EvalResult {
	if obj == nil {
		return &EvalResult{Type: string(runtime.TypeUndefined)}
	}
	res := &EvalResult{Type: string(obj.Type)}
	switch {
	case len(obj.Value) > 0:
		res.Value = append(json.RawMessage(nil), obj.Value...)
	case obj.UnserializableValue != "":
		res.Value = json.RawMessage(strconv.Quote(string(obj.UnserializableValue)))
	}
	return res
}

func exceptionText(exp *runtime.ExceptionDetails) string {
	if exp.Exception != nil && exp.Exception.Description != "" {
		return exp.Exception.Description
	}
	return exp.Text
}
