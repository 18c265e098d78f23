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

package e2ehelpers

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/chromedp/chromedp"
)

// Logger interface allows passing *testing.T or log.Printf
type Logger interface {
	Logf(format string, args ...any)
}

type stdLogger struct{}

func (stdLogger) Logf(format string, args ...any) { log.Printf(format, args...) }

// StdLogger logs through the standard logger.
var StdLogger Logger = stdLogger{}

// CaptureScreenshot captures a screenshot and saves it to the specified filename.
func CaptureScreenshot(ctx context.Context, filename string) error {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return fmt.Errorf("failed to capture screenshot: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create directory for screenshot: %w", err)
	}

	if err := os.WriteFile(filename, buf, 0644); err != nil {
		return fmt.Errorf("failed to write screenshot to file: %w", err)
	}
	log.Printf("Saved screenshot to %s", filename)
	return nil
}

// DisableCSSAnimations injects a style sheet that turns off transitions and
// animations so captures do not depend on timing.
func DisableCSSAnimations() chromedp.ActionFunc {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return chromedp.Evaluate(`
                        (() => {
                                const style = document.createElement('style');
                                style.innerHTML = '*{-webkit-transition-duration:0s!important;transition-duration:0s!important;-webkit-animation-duration:0s!important;animation-duration:0s!important;caret-color:transparent!important;}';
                                document.head.appendChild(style);
                        })()
                `, nil).Do(ctx)
	})
}

// DebugFailure logs the page HTML and saves a screenshot named after the
// failed step into dir.
func DebugFailure(ctx context.Context, l Logger, dir, name string) {
	if l == nil {
		l = StdLogger
	}
	l.Logf("DEBUG: capturing failure info for %s", name)
	var htmlContent string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &htmlContent)); err != nil {
		l.Logf("DEBUG: Failed to capture HTML: %v", err)
	} else {
		l.Logf("DEBUG: HTML Dump for %s:\n%s", name, htmlContent)
	}
	if err := CaptureScreenshot(ctx, filepath.Join(dir, fmt.Sprintf("debug-%s.png", name))); err != nil {
		l.Logf("DEBUG: Failed to capture screenshot: %v", err)
	}
}
