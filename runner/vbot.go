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

// Package runner executes vbot projects: scenarios of browser actions whose
// screenshots are compared against stored baselines.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/ttbt-io/vbot/tools/e2ehelpers"
)

// ErrClosed is returned by Start once the runner has been closed.
var ErrClosed = errors.New("vbot: closed")

// Options configure a VBot.
type Options struct {
	// ProjectFile is the path of the JSON or YAML project file.
	ProjectFile string
	// Project, when set, is used instead of loading ProjectFile.
	Project *Project
	// Host is the remote browser debugging endpoint (http, https, ws or wss).
	Host string
	// BaseURL is the origin that scenario and navigate URLs resolve against.
	BaseURL string
	// ImgDir is the root of the screenshot tree.
	ImgDir string
	// Rebase rewrites baselines and discards test and diff images.
	Rebase bool
	// Threshold is the per-pixel tolerance of the default comparator.
	Threshold int

	Dialer     Dialer
	FS         FS
	Comparator Comparator
	Debug      bool
}

// runState exists from Start until the run goroutine exits.
type runState struct {
	session Session
	cancel  context.CancelFunc
	done    chan struct{}
	index   int
}

// VBot runs the scenarios of a project against one browser session and
// reports progress through events.
type VBot struct {
	opts    Options
	project *Project
	store   *ScreenshotStore
	events  emitter

	mu     sync.Mutex
	run    *runState
	closed bool
}

// New validates opts and loads the project. All failures are *ConfigError.
func New(opts Options) (*VBot, error) {
	if err := validateHost(opts.Host); err != nil {
		return nil, &ConfigError{Field: "host", Err: err}
	}
	if opts.BaseURL != "" {
		if _, err := url.Parse(opts.BaseURL); err != nil {
			return nil, &ConfigError{Field: "baseURL", Err: err}
		}
	}
	if opts.ImgDir == "" {
		return nil, &ConfigError{Field: "imgdir", Err: errors.New("missing image directory")}
	}
	if opts.Threshold < 0 || opts.Threshold > 765 {
		return nil, &ConfigError{Field: "threshold", Err: fmt.Errorf("%d out of range [0, 765]", opts.Threshold)}
	}

	project := opts.Project
	if project == nil {
		if opts.ProjectFile == "" {
			return nil, &ConfigError{Field: "projectFile", Err: errors.New("missing project file")}
		}
		p, err := LoadProject(opts.ProjectFile)
		if err != nil {
			return nil, err
		}
		project = p
	} else if err := project.Validate(); err != nil {
		return nil, &ConfigError{Field: "project", Err: err}
	}

	store := NewScreenshotStore(opts.ImgDir, opts.Rebase)
	store.Debug = opts.Debug
	store.Comparator = PixelComparator{Threshold: opts.Threshold}
	if opts.FS != nil {
		store.FS = opts.FS
	}
	if opts.Comparator != nil {
		store.Comparator = opts.Comparator
	}
	if opts.Dialer == nil {
		opts.Dialer = DialChrome
	}

	return &VBot{
		opts:    opts,
		project: project,
		store:   store,
	}, nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("missing host")
	}
	u, err := url.Parse(host)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q in %s", u.Scheme, host)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %s", host)
	}
	return nil
}

// Project returns the loaded project.
func (v *VBot) Project() *Project {
	return v.project
}

// Screenshots returns the screenshot store used by the runner.
func (v *VBot) Screenshots() *ScreenshotStore {
	return v.store
}

// On registers fn for events named name. Listeners should be registered
// before Start.
func (v *VBot) On(name EventName, fn Listener) {
	v.events.on(name, fn)
}

// Subscribe registers fn for every event.
func (v *VBot) Subscribe(fn Listener) {
	v.events.on("", fn)
}

// Client returns the browser session, or nil before Start.
func (v *VBot) Client() Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.run == nil {
		return nil
	}
	return v.run.session
}

// Start connects to the browser and runs the project in the background. It
// returns once the session is ready; progress is reported through events.
// Cancelling ctx aborts the run.
func (v *VBot) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if v.run != nil {
		v.mu.Unlock()
		return errors.New("vbot: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	st := &runState{cancel: cancel, done: make(chan struct{})}
	v.run = st
	v.mu.Unlock()

	fail := func(err error) error {
		cancel()
		close(st.done)
		return err
	}

	sess, err := v.opts.Dialer(runCtx, v.opts.Host, v.opts.Debug)
	if err != nil {
		return fail(fmt.Errorf("start: %w", err))
	}
	vp := v.project.ViewportSize()
	if err := sess.SetViewport(runCtx, vp.Width, vp.Height); err != nil {
		sess.Close()
		return fail(fmt.Errorf("start: set viewport: %w", err))
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		sess.Close()
		return fail(ErrClosed)
	}
	st.session = sess
	v.mu.Unlock()

	go v.loop(runCtx, st)
	return nil
}

// Close stops the run, closes the browser session and silences the event
// stream. It is safe to call at any time, more than once, and from a
// listener. Use Wait to block until the run goroutine has exited.
func (v *VBot) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	st := v.run
	v.mu.Unlock()

	v.events.close()
	if st == nil {
		return nil
	}
	st.cancel()
	v.mu.Lock()
	sess := st.session
	v.mu.Unlock()
	if sess != nil {
		if err := sess.Close(); err != nil {
			log.Printf("vbot: closing session: %v", err)
		}
	}
	return nil
}

// Done is closed when the run goroutine exits. Before Start it returns a
// closed channel.
func (v *VBot) Done() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.run == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return v.run.done
}

// Wait blocks until the run goroutine exits.
func (v *VBot) Wait() {
	<-v.Done()
}

func (v *VBot) loop(ctx context.Context, st *runState) {
	defer close(st.done)

	summary := &Summary{}
	var fatal error
	v.events.emit(Event{Name: EventStart, Time: time.Now()})

	for i := range v.project.Scenarios {
		if err := ctx.Err(); err != nil {
			fatal = err
			break
		}
		sc := &v.project.Scenarios[i]
		err := v.runScenario(ctx, st, sc, summary)
		if err == nil {
			continue
		}
		if IsFatal(err) || ctx.Err() != nil {
			fatal = err
			break
		}
		if v.opts.Debug {
			log.Printf("[RUN] scenario %s stopped: %v", sc.Name, err)
		}
	}

	if fatal != nil {
		summary.Aborted = true
		summary.Error = fatal.Error()
		if !errors.Is(fatal, context.Canceled) {
			log.Printf("vbot: run aborted: %v", fatal)
		}
	}
	recordRun(summary.Failed > 0 || fatal != nil)
	v.events.emit(Event{Name: EventEnd, Time: time.Now(), Summary: summary, Err: fatal})
}

// runScenario executes the actions of sc in order and stops at the first
// failure, which it returns.
func (v *VBot) runScenario(ctx context.Context, st *runState, sc *Scenario, summary *Summary) error {
	if err := v.store.Prepare(sc.Name); err != nil {
		return err
	}
	ec := ExecContext{Session: st.session, BaseURL: v.opts.BaseURL}
	if sc.URL != "" {
		target, err := resolveURL(v.opts.BaseURL, sc.URL)
		if err == nil {
			err = st.session.Navigate(ctx, target)
		}
		if err != nil {
			summary.Failed++
			return fmt.Errorf("scenario %s: open %s: %w", sc.Name, sc.URL, err)
		}
	}

	screenshots := true
	for step, a := range sc.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := &ActionLog{Index: st.index, Step: step, Scenario: sc.Name, Action: a}
		st.index++

		start := time.Now()
		res, err := Execute(ctx, ec, a)
		if err == nil {
			entry.Result = res
			if a.Screenshot && screenshots {
				shot, serr := v.capture(ctx, st.session, sc.Name, step, a)
				entry.Screenshot = shot
				var cmpErr *ComparisonError
				switch {
				case serr == nil:
				case errors.As(serr, &cmpErr):
					// The remaining screenshots of this scenario are skipped.
					screenshots = false
					entry.Err = serr
					entry.Error = serr.Error()
				default:
					err = serr
				}
			}
		}
		entry.Duration = time.Since(start)
		recordAction(a, entry.Duration, err)

		if err != nil {
			entry.Result = nil
			entry.Screenshot = nil
			entry.Err = err
			entry.Error = err.Error()
			summary.Failed++
			if v.opts.Debug && ctx.Err() == nil {
				v.debugFailure(st.session, sc.Name, step, a)
			}
			v.events.emit(Event{Name: EventActionFail, Time: time.Now(), Log: entry, Err: err})
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}

		summary.Executed++
		if entry.Screenshot != nil {
			summary.Screenshots++
			if an := entry.Screenshot.Analysis; an != nil && an.MisMatchPercentage > 0 {
				summary.Mismatches++
			}
		}
		v.events.emit(Event{Name: EventActionExecuted, Time: time.Now(), Log: entry})
	}
	return nil
}

func (v *VBot) capture(ctx context.Context, sess Session, scenario string, step int, a Action) (*ScreenshotResult, error) {
	img, err := sess.Screenshot(ctx)
	if err != nil {
		return nil, &EvalError{Expr: "screenshot", Err: err}
	}
	return v.store.Capture(scenario, step, a.Label(), img)
}

// debugFailure dumps the page of a Chrome session next to the scenario's
// screenshots.
func (v *VBot) debugFailure(sess Session, scenario string, step int, a Action) {
	cs, ok := sess.(*ChromeSession)
	if !ok {
		return
	}
	e2ehelpers.DebugFailure(cs.Context(), e2ehelpers.StdLogger, filepath.Join(v.opts.ImgDir, scenario), fmt.Sprintf("%d_%s", step, a.Label()))
}
