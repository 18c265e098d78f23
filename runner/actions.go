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
	"net/url"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// ActionType identifies the kind of an action.
type ActionType string

const (
	ActionEval     ActionType = "eval"
	ActionAssert   ActionType = "assert"
	ActionClick    ActionType = "click"
	ActionScrollTo ActionType = "scrollTo"
	ActionEnter    ActionType = "enter"
	ActionWaitFor  ActionType = "waitFor"
	ActionNavigate ActionType = "navigate"
	ActionReload   ActionType = "reload"
	ActionSleep    ActionType = "sleep"
)

const (
	defaultWaitTimeout = 5 * time.Second
	waitPollInterval   = 100 * time.Millisecond
)

// Action is a single step of a scenario.
type Action struct {
	Type       ActionType      `json:"type"`
	Expr       string          `json:"expr,omitempty"`
	Selector   string          `json:"selector,omitempty"`
	Value      string          `json:"value,omitempty"`
	Expect     json.RawMessage `json:"expect,omitempty"`
	URL        string          `json:"url,omitempty"`
	Timeout    int64           `json:"timeout,omitempty"` // milliseconds
	Screenshot bool            `json:"screenshot,omitempty"`
}

// ExecContext carries what an action needs besides the session.
type ExecContext struct {
	Session Session
	BaseURL string
}

type actionFunc func(ctx context.Context, ec ExecContext, a Action) (json.RawMessage, error)

type actionKind struct {
	validate func(a Action) error
	exec     actionFunc
}

// actionKinds is the dispatch table. A new action type is added here and
// nowhere else.
var actionKinds = map[ActionType]actionKind{
	ActionEval:     {validate: requireExpr, exec: execEval},
	ActionAssert:   {validate: validateAssert, exec: execAssert},
	ActionClick:    {validate: requireSelector, exec: domAction("el.click(); return true;")},
	ActionScrollTo: {validate: requireSelector, exec: domAction("el.scrollIntoView(); return true;")},
	ActionEnter: {validate: requireSelector, exec: func(ctx context.Context, ec ExecContext, a Action) (json.RawMessage, error) {
		body := fmt.Sprintf(`el.focus(); el.value = %s;
			el.dispatchEvent(new Event('input', {bubbles: true}));
			el.dispatchEvent(new Event('change', {bubbles: true}));
			return el.value;`, jsString(a.Value))
		return domAction(body)(ctx, ec, a)
	}},
	ActionWaitFor:  {validate: requireSelector, exec: execWaitFor},
	ActionNavigate: {validate: validateNavigate, exec: execNavigate},
	ActionReload:   {exec: execReload},
	ActionSleep:    {validate: validateSleep, exec: execSleep},
}

// Validate checks that the action type is known and its required fields are
// set.
func (a Action) Validate() error {
	k, ok := actionKinds[a.Type]
	if !ok {
		if a.Type == "" {
			return errors.New("missing action type")
		}
		return fmt.Errorf("unknown action type: %s", a.Type)
	}
	if a.Timeout < 0 {
		return fmt.Errorf("invalid timeout: %d", a.Timeout)
	}
	if k.validate == nil {
		return nil
	}
	return k.validate(a)
}

// Label names the screenshot of this action: the type, followed by the
// selector when there is one.
func (a Action) Label() string {
	label := string(a.Type)
	if a.Selector != "" {
		label += "-" + a.Selector
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '\t', '\n', '\r', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, label)
}

func (a Action) timeout() time.Duration {
	if a.Timeout > 0 {
		return time.Duration(a.Timeout) * time.Millisecond
	}
	return defaultWaitTimeout
}

// Execute runs one action against the session and returns its JSON value.
// Failures are returned as *EvalError. Execute never emits events.
func Execute(ctx context.Context, ec ExecContext, a Action) (json.RawMessage, error) {
	k, ok := actionKinds[a.Type]
	if !ok {
		return nil, &EvalError{Err: fmt.Errorf("unknown action type: %s", a.Type)}
	}
	res, err := k.exec(ctx, ec, a)
	if err != nil {
		var evalErr *EvalError
		if errors.As(err, &evalErr) {
			return nil, err
		}
		return nil, &EvalError{Expr: a.Expr, Err: err}
	}
	return res, nil
}

func requireExpr(a Action) error {
	if strings.TrimSpace(a.Expr) == "" {
		return fmt.Errorf("%s action requires expr", a.Type)
	}
	return nil
}

func requireSelector(a Action) error {
	if strings.TrimSpace(a.Selector) == "" {
		return fmt.Errorf("%s action requires selector", a.Type)
	}
	return nil
}

func validateAssert(a Action) error {
	if err := requireExpr(a); err != nil {
		return err
	}
	if len(a.Expect) == 0 {
		return errors.New("assert action requires expect")
	}
	if !json.Valid(a.Expect) {
		return errors.New("assert action has invalid expect JSON")
	}
	return nil
}

func validateNavigate(a Action) error {
	if a.URL == "" {
		return errors.New("navigate action requires url")
	}
	if _, err := url.Parse(a.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	return nil
}

func validateSleep(a Action) error {
	if a.Timeout <= 0 {
		return errors.New("sleep action requires timeout")
	}
	return nil
}

func execEval(ctx context.Context, ec ExecContext, a Action) (json.RawMessage, error) {
	res, err := ec.Session.Eval(ctx, a.Expr)
	if err != nil {
		return nil, err
	}
	return resultValue(res), nil
}

func execAssert(ctx context.Context, ec ExecContext, a Action) (json.RawMessage, error) {
	res, err := ec.Session.Eval(ctx, a.Expr)
	if err != nil {
		return nil, err
	}
	got := resultValue(res)
	equal, err := jsonEqual(a.Expect, got)
	if err != nil {
		return nil, &EvalError{Expr: a.Expr, Err: err}
	}
	if !equal {
		return nil, &EvalError{Expr: a.Expr, Err: fmt.Errorf("assertion failed:\n%s", jsonDiff(a.Expect, got))}
	}
	return got, nil
}

// domAction wraps body in a function that resolves the action's selector to
// el and fails when nothing matches.
func domAction(body string) actionFunc {
	return func(ctx context.Context, ec ExecContext, a Action) (json.RawMessage, error) {
		expr := fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (!el) { throw new Error('no element matches ' + %s); }
			%s
		})()`, jsString(a.Selector), jsString(a.Selector), body)
		res, err := ec.Session.Eval(ctx, expr)
		if err != nil {
			return nil, err
		}
		return resultValue(res), nil
	}
}

func execWaitFor(ctx context.Context, ec ExecContext, a Action) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	expr := fmt.Sprintf(`document.querySelector(%s) !== null`, jsString(a.Selector))
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		res, err := ec.Session.Eval(ctx, expr)
		if err == nil && res.Text() == "true" {
			return resultValue(res), nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, &EvalError{Expr: expr, Err: fmt.Errorf("timeout waiting for %s: %w", a.Selector, ctx.Err())}
		}
	}
}

func execNavigate(ctx context.Context, ec ExecContext, a Action) (json.RawMessage, error) {
	target, err := resolveURL(ec.BaseURL, a.URL)
	if err != nil {
		return nil, err
	}
	if err := ec.Session.Navigate(ctx, target); err != nil {
		return nil, err
	}
	return json.Marshal(target)
}

func execReload(ctx context.Context, ec ExecContext, a Action) (json.RawMessage, error) {
	res, err := ec.Session.Eval(ctx, `location.href`)
	if err != nil {
		return nil, err
	}
	if err := ec.Session.Navigate(ctx, res.Text()); err != nil {
		return nil, err
	}
	return resultValue(res), nil
}

func execSleep(ctx context.Context, ec ExecContext, a Action) (json.RawMessage, error) {
	t := time.NewTimer(a.timeout())
	defer t.Stop()
	select {
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveURL resolves ref against base. An empty base leaves ref unchanged.
func resolveURL(base, ref string) (string, error) {
	if base == "" {
		return ref, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}

func resultValue(res *EvalResult) json.RawMessage {
	if res == nil || len(res.Value) == 0 {
		return nil
	}
	return res.Value
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func jsonEqual(a, b json.RawMessage) (bool, error) {
	if len(b) == 0 {
		return false, nil
	}
	ca, err := canonicalJSON(a)
	if err != nil {
		return false, fmt.Errorf("expect: %w", err)
	}
	cb, err := canonicalJSON(b)
	if err != nil {
		return false, fmt.Errorf("result: %w", err)
	}
	return bytes.Equal(ca, cb), nil
}

func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.MarshalIndent(v, "", "  ")
}

func jsonDiff(expected, actual json.RawMessage) string {
	e, err := canonicalJSON(expected)
	if err != nil {
		e = expected
	}
	a, err := canonicalJSON(actual)
	if err != nil {
		a = actual
	}
	if len(actual) == 0 {
		a = []byte("undefined")
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(e) + "\n"),
		B:        difflib.SplitLines(string(a) + "\n"),
		FromFile: "Expected",
		ToFile:   "Actual",
		Context:  3,
	})
	return diff
}
