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
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const projectJSON = `{
  "name": "demo",
  "scenarios": [
    {
      "name": "view1",
      "url": "/index.html",
      "actions": [
        {"type": "eval", "expr": "document.title", "screenshot": true},
        {"type": "scrollTo", "selector": ".box", "screenshot": true},
        {"type": "assert", "expr": "[1, 2]", "expect": [1, 2]}
      ]
    }
  ]
}`

const projectYAML = `
name: demo
scenarios:
  - name: view1
    url: /index.html
    actions:
      - type: eval
        expr: document.title
        screenshot: true
      - type: scrollTo
        selector: .box
        screenshot: true
      - type: assert
        expr: "[1, 2]"
        expect: [1, 2]
`

func TestParseProjectFormats(t *testing.T) {
	fromJSON, err := ParseProject([]byte(projectJSON), ".json")
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	fromYAML, err := ParseProject([]byte(projectYAML), ".yml")
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}

	if fromJSON.Name != "demo" || len(fromJSON.Scenarios) != 1 {
		t.Fatalf("project = %+v", fromJSON)
	}
	sc := fromJSON.Scenarios[0]
	if sc.Name != "view1" || sc.URL != "/index.html" || len(sc.Actions) != 3 {
		t.Fatalf("scenario = %+v", sc)
	}
	if !sc.Actions[0].Screenshot || sc.Actions[1].Selector != ".box" {
		t.Errorf("actions = %+v", sc.Actions)
	}
	if fromJSON.NumActions() != 3 {
		t.Errorf("NumActions() = %d", fromJSON.NumActions())
	}
	if vp := fromJSON.ViewportSize(); vp.Width != 375 || vp.Height != 677 {
		t.Errorf("default viewport = %+v", vp)
	}

	// Expect is kept as raw JSON; compare the decoded forms.
	fromJSON.Scenarios[0].Actions[2].Expect = nil
	fromYAML.Scenarios[0].Actions[2].Expect = nil
	if !reflect.DeepEqual(fromJSON, fromYAML) {
		t.Errorf("JSON and YAML differ:\n%+v\n%+v", fromJSON, fromYAML)
	}
}

func TestParseProjectInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"syntax", `{"scenarios": [`},
		{"no scenarios", `{"scenarios": []}`},
		{"missing name", `{"scenarios": [{"actions": []}]}`},
		{"path name", `{"scenarios": [{"name": "a/b", "actions": []}]}`},
		{"dot name", `{"scenarios": [{"name": "..", "actions": []}]}`},
		{"duplicate names", `{"scenarios": [{"name": "a", "actions": []}, {"name": "a", "actions": []}]}`},
		{"unknown action", `{"scenarios": [{"name": "a", "actions": [{"type": "hover"}]}]}`},
		{"bad viewport", `{"viewport": {"width": 0, "height": 10}, "scenarios": [{"name": "a", "actions": []}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseProject([]byte(tt.doc), ".json"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadProject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project.yaml")
	if err := os.WriteFile(path, []byte(projectYAML), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProject(path)
	if err != nil {
		t.Fatalf("LoadProject: %v", err)
	}
	if p.Scenarios[0].Actions[1].Label() != "scrollTo-.box" {
		t.Errorf("label = %s", p.Scenarios[0].Actions[1].Label())
	}

	_, err = LoadProject(filepath.Join(dir, "missing.json"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v", err)
	}
}
