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

// Package reports persists the outcome of vbot runs.
package reports

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/google/uuid"
	"github.com/ttbt-io/vbot/runner"
)

const runsDir = "runs"

// Mismatch is a screenshot whose difference exceeded the accepted limit.
type Mismatch struct {
	Scenario           string  `json:"scenario"`
	Step               int     `json:"step"`
	Base               string  `json:"base"`
	Test               string  `json:"test"`
	Diff               string  `json:"diff,omitempty"`
	MisMatchPercentage float64 `json:"misMatchPercentage"`
}

// RunReport is the stored record of one run.
type RunReport struct {
	ID         string             `json:"id"`
	Project    string             `json:"project,omitempty"`
	Host       string             `json:"host,omitempty"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt,omitzero"`
	Actions    []runner.ActionLog `json:"actions"`
	Summary    runner.Summary     `json:"summary"`
	Mismatches []Mismatch         `json:"mismatches,omitempty"`
}

// Passed reports whether the run finished without failed actions, aborts
// or mismatches.
func (r *RunReport) Passed() bool {
	return r.Summary.Failed == 0 && !r.Summary.Aborted && len(r.Mismatches) == 0
}

// Metadata returns the listing record of r.
func (r *RunReport) Metadata() RunMetadata {
	return RunMetadata{
		ID:         r.ID,
		Project:    r.Project,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Executed:   r.Summary.Executed,
		Failed:     r.Summary.Failed,
		Mismatches: len(r.Mismatches),
		Passed:     r.Passed(),
	}
}

// RunMetadata is the sidecar written next to each report so listings do not
// load every action log.
type RunMetadata struct {
	ID         string    `json:"id"`
	Project    string    `json:"project,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Executed   int       `json:"executed"`
	Failed     int       `json:"failed"`
	Mismatches int       `json:"mismatches"`
	Passed     bool      `json:"passed"`
}

// Store manages run reports on disk.
type Store struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.RWMutex
}

// NewStore creates a Store backed by s, which must be rooted at dataDir.
func NewStore(dataDir string, s *storage.Storage) *Store {
	return &Store{
		DataDir: dataDir,
		storage: s,
	}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// ValidRunID reports whether id looks like a run identifier.
func ValidRunID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func reportFile(id string) string {
	return filepath.Join(runsDir, fmt.Sprintf("%s.json", url.PathEscape(id)))
}

func metaFile(id string) string {
	return filepath.Join(runsDir, fmt.Sprintf("%s.meta.json", url.PathEscape(id)))
}

// SaveRun writes the report and its metadata sidecar.
func (s *Store) SaveRun(r *RunReport) error {
	if r.ID == "" {
		return errors.New("run report without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.SaveDataFile(reportFile(r.ID), r); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	meta := r.Metadata()
	if err := s.storage.SaveDataFile(metaFile(r.ID), &meta); err != nil {
		return fmt.Errorf("storage.SaveDataFile (meta): %w", err)
	}
	if s.Debug {
		log.Printf("[REPORTS] saved run %s (%d actions)", r.ID, len(r.Actions))
	}
	return nil
}

// LoadRun reads the report with the given id. It returns os.ErrNotExist when
// no such run was saved.
func (s *Store) LoadRun(id string) (*RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r RunReport
	if err := s.storage.ReadDataFile(reportFile(id), &r); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	return &r, nil
}

// ListRuns returns the metadata of every saved run, newest first.
func (s *Store) ListRuns() ([]RunMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := os.ReadDir(filepath.Join(s.DataDir, runsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read runs directory: %w", err)
	}

	var out []RunMetadata
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		var meta RunMetadata
		if err := s.storage.ReadDataFile(filepath.Join(runsDir, name), &meta); err != nil {
			log.Printf("Reports Warning: failed to load metadata %s: %v", name, err)
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}
