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
	"errors"
	"fmt"
)

// ConfigError reports invalid options or an unusable project file. It is
// returned by New before any event is emitted.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// EvalError reports a failed action: either the protocol round-trip failed or
// the script threw in the page.
type EvalError struct {
	Expr      string
	Exception string
	Err       error
}

func (e *EvalError) Error() string {
	switch {
	case e.Exception != "" && e.Err != nil:
		return fmt.Sprintf("eval %q: %s: %v", e.Expr, e.Exception, e.Err)
	case e.Exception != "":
		return fmt.Sprintf("eval %q: %s", e.Expr, e.Exception)
	default:
		return fmt.Sprintf("eval %q: %v", e.Expr, e.Err)
	}
}

func (e *EvalError) Unwrap() error { return e.Err }

// ComparisonError reports an image pair the comparator could not process.
type ComparisonError struct {
	Path string
	Err  error
}

func (e *ComparisonError) Error() string {
	return fmt.Sprintf("compare %s: %v", e.Path, e.Err)
}

func (e *ComparisonError) Unwrap() error { return e.Err }

// IOError reports a filesystem failure while handling screenshots.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the remaining run rather than only
// the current scenario.
func IsFatal(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}
