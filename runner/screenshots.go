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
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const (
	baseDirName = "base"
	testDirName = "test"
	diffDirName = "diff"
)

// FS is the filesystem surface used by the screenshot store.
type FS interface {
	Exists(path string) (bool, error)
	Remove(path string, recursive bool) error
	Copy(src, dst string) error
	WriteFile(path string, data []byte) error
	ReadFile(path string) ([]byte, error)
	// ReadDir lists the names of the regular files in dir.
	ReadDir(dir string) ([]string, error)
}

// OSFS implements FS on the local disk.
type OSFS struct{}

var _ FS = OSFS{}

func (OSFS) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (OSFS) Remove(path string, recursive bool) error {
	if recursive {
		return os.RemoveAll(path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (OSFS) Copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (OSFS) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (OSFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (OSFS) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ScreenshotFiles are the paths written for one capture.
type ScreenshotFiles struct {
	Base string `json:"base"`
	Test string `json:"test,omitempty"`
	Diff string `json:"diff,omitempty"`
}

// ScreenshotResult describes one capture. Test, Diff and Analysis are only
// set when a baseline existed and the store is not rebasing.
type ScreenshotResult struct {
	Files    ScreenshotFiles `json:"files"`
	Analysis *Analysis       `json:"analysis,omitempty"`
}

// ScreenshotStore manages imgdir/<scenario>/{base,test,diff}/<step>_<label>.png.
type ScreenshotStore struct {
	Dir        string
	Rebase     bool
	FS         FS
	Comparator Comparator
	Debug      bool

	mu       sync.Mutex
	prepared map[string]bool
}

// NewScreenshotStore returns a store rooted at dir using the local disk and
// a PixelComparator.
func NewScreenshotStore(dir string, rebase bool) *ScreenshotStore {
	return &ScreenshotStore{
		Dir:        dir,
		Rebase:     rebase,
		FS:         OSFS{},
		Comparator: PixelComparator{},
		prepared:   make(map[string]bool),
	}
}

func (s *ScreenshotStore) scenarioDir(scenario, kind string) string {
	return filepath.Join(s.Dir, scenario, kind)
}

func fileName(step int, label string) string {
	return fmt.Sprintf("%d_%s.png", step, label)
}

// Prepare readies the scenario's directories. In rebase mode it removes the
// scenario's test and diff directories. It only does work once per scenario.
func (s *ScreenshotStore) Prepare(scenario string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared == nil {
		s.prepared = make(map[string]bool)
	}
	if s.prepared[scenario] {
		return nil
	}
	if s.Rebase {
		for _, kind := range []string{testDirName, diffDirName} {
			dir := s.scenarioDir(scenario, kind)
			if err := s.FS.Remove(dir, true); err != nil {
				return &IOError{Op: "remove", Path: dir, Err: err}
			}
			if s.Debug {
				log.Printf("[SCREENSHOT] rebase: removed %s", dir)
			}
		}
	}
	s.prepared[scenario] = true
	return nil
}

// Capture stores img for the action at step and compares it to the
// baseline when one exists.
func (s *ScreenshotStore) Capture(scenario string, step int, label string, img []byte) (*ScreenshotResult, error) {
	if err := s.Prepare(scenario); err != nil {
		return nil, err
	}
	name := fileName(step, label)
	basePath := filepath.Join(s.scenarioDir(scenario, baseDirName), name)

	if s.Rebase {
		if err := s.write(basePath, img); err != nil {
			return nil, err
		}
		return &ScreenshotResult{Files: ScreenshotFiles{Base: basePath}}, nil
	}

	exists, err := s.FS.Exists(basePath)
	if err != nil {
		return nil, &IOError{Op: "stat", Path: basePath, Err: err}
	}
	if !exists {
		if err := s.write(basePath, img); err != nil {
			return nil, err
		}
		return &ScreenshotResult{Files: ScreenshotFiles{Base: basePath}}, nil
	}

	testPath := filepath.Join(s.scenarioDir(scenario, testDirName), name)
	if err := s.write(testPath, img); err != nil {
		return nil, err
	}
	res := &ScreenshotResult{Files: ScreenshotFiles{Base: basePath, Test: testPath}}

	baseImg, err := s.FS.ReadFile(basePath)
	if err != nil {
		return res, &IOError{Op: "read", Path: basePath, Err: err}
	}
	cmp, err := s.Comparator.Compare(baseImg, img)
	if err != nil {
		return res, &ComparisonError{Path: basePath, Err: err}
	}
	res.Analysis = &cmp.Analysis
	recordComparison(cmp.Analysis)

	diffPath := filepath.Join(s.scenarioDir(scenario, diffDirName), name)
	if cmp.Analysis.MisMatchPercentage > 0 {
		diffImg, err := cmp.DiffImage()
		if err != nil {
			return res, &ComparisonError{Path: testPath, Err: err}
		}
		if err := s.write(diffPath, diffImg); err != nil {
			return res, err
		}
		res.Files.Diff = diffPath
	} else if err := s.FS.Remove(diffPath, false); err != nil {
		// A diff left by an earlier run no longer applies.
		return res, &IOError{Op: "remove", Path: diffPath, Err: err}
	}
	if s.Debug {
		log.Printf("[SCREENSHOT] %s/%s: mismatch %.2f%%", scenario, name, cmp.Analysis.MisMatchPercentage)
	}
	return res, nil
}

// Accept promotes every test image of the scenario to the baseline and
// removes the scenario's test and diff directories.
func (s *ScreenshotStore) Accept(scenario string) (int, error) {
	testDir := s.scenarioDir(scenario, testDirName)
	names, err := s.FS.ReadDir(testDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, &IOError{Op: "readdir", Path: testDir, Err: err}
	}
	n := 0
	for _, name := range names {
		src := filepath.Join(testDir, name)
		dst := filepath.Join(s.scenarioDir(scenario, baseDirName), name)
		if err := s.FS.Copy(src, dst); err != nil {
			return n, &IOError{Op: "copy", Path: src, Err: err}
		}
		n++
	}
	for _, kind := range []string{testDirName, diffDirName} {
		dir := s.scenarioDir(scenario, kind)
		if err := s.FS.Remove(dir, true); err != nil {
			return n, &IOError{Op: "remove", Path: dir, Err: err}
		}
	}
	return n, nil
}

func (s *ScreenshotStore) write(path string, data []byte) error {
	if err := s.FS.WriteFile(path, data); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}
