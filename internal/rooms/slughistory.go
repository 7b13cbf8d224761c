/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rooms

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

// SlugHistory persists every custom room name ever claimed, one per line.
// Rewrites are atomic so a crash never leaves a half-written file.
type SlugHistory struct {
	mu    sync.Mutex
	path  string
	slugs map[string]struct{}
}

// LoadSlugHistory reads the history file at path, creating state for an
// empty history when the file does not exist yet.
func LoadSlugHistory(path string) (*SlugHistory, error) {
	h := &SlugHistory{path: path, slugs: make(map[string]struct{})}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return h, nil
		}
		return nil, fmt.Errorf("open slug history: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		slug := strings.TrimSpace(scanner.Text())
		if slug != "" {
			h.slugs[slug] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read slug history: %w", err)
	}
	return h, nil
}

// Add records a slug and rewrites the file. Recording a known slug is a
// no-op.
func (h *SlugHistory) Add(slug string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.slugs[slug]; exists {
		return nil
	}
	h.slugs[slug] = struct{}{}
	return h.persist()
}

// Remove drops a slug and rewrites the file.
func (h *SlugHistory) Remove(slug string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.slugs[slug]; !exists {
		return nil
	}
	delete(h.slugs, slug)
	return h.persist()
}

// Contains reports whether a slug was ever claimed.
func (h *SlugHistory) Contains(slug string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.slugs[slug]
	return ok
}

// List returns all recorded slugs, sorted.
func (h *SlugHistory) List() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.slugs))
	for slug := range h.slugs {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

func (h *SlugHistory) persist() error {
	var b strings.Builder
	slugs := make([]string, 0, len(h.slugs))
	for slug := range h.slugs {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	for _, slug := range slugs {
		b.WriteString(slug)
		b.WriteByte('\n')
	}
	if err := renameio.WriteFile(h.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write slug history: %w", err)
	}
	return nil
}
