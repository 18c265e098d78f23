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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultViewportWidth  = 375
	DefaultViewportHeight = 677
)

// Viewport is the browser window size used for every scenario of a project.
type Viewport struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

// Project is an ordered list of scenarios loaded from a project file.
type Project struct {
	Name      string     `json:"name,omitempty"`
	Viewport  *Viewport  `json:"viewport,omitempty"`
	Scenarios []Scenario `json:"scenarios"`
}

// Scenario is a named, ordered list of actions. Its name is used as a
// directory segment under the image directory.
type Scenario struct {
	Name    string   `json:"name"`
	URL     string   `json:"url,omitempty"`
	Actions []Action `json:"actions"`
}

// LoadProject reads and validates a project file. Files ending in .yaml or
// .yml are decoded as YAML, everything else as JSON.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "projectFile", Err: err}
	}
	p, err := ParseProject(data, filepath.Ext(path))
	if err != nil {
		return nil, &ConfigError{Field: "projectFile", Err: fmt.Errorf("%s: %w", path, err)}
	}
	return p, nil
}

// ParseProject decodes a project document. ext selects the format.
func ParseProject(data []byte, ext string) (*Project, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid project YAML: %w", err)
		}
		// Round-trip through JSON so both formats share one schema.
		j, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("invalid project YAML: %w", err)
		}
		data = j
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid project JSON: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the project invariants: at least one scenario, unique
// scenario names that are safe directory names, and well-formed actions.
func (p *Project) Validate() error {
	if len(p.Scenarios) == 0 {
		return errors.New("project has no scenarios")
	}
	if p.Viewport != nil && (p.Viewport.Width <= 0 || p.Viewport.Height <= 0) {
		return fmt.Errorf("invalid viewport %dx%d", p.Viewport.Width, p.Viewport.Height)
	}
	seen := make(map[string]bool, len(p.Scenarios))
	for i, s := range p.Scenarios {
		if err := validateScenarioName(s.Name); err != nil {
			return fmt.Errorf("scenario %d: %w", i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate scenario name %q", s.Name)
		}
		seen[s.Name] = true
		for j, a := range s.Actions {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("scenario %q: invalid action at index %d: %w", s.Name, j, err)
			}
		}
	}
	return nil
}

// ViewportSize returns the configured viewport or the default one.
func (p *Project) ViewportSize() Viewport {
	if p.Viewport == nil {
		return Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	return *p.Viewport
}

// NumActions returns the total number of actions across all scenarios.
func (p *Project) NumActions() int {
	n := 0
	for _, s := range p.Scenarios {
		n += len(s.Actions)
	}
	return n
}

func validateScenarioName(name string) error {
	if name == "" {
		return errors.New("missing scenario name")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("scenario name %q is not a valid directory name", name)
	}
	return nil
}
