package logs

import (
	"sync"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/standardbeagle/mcplab/pkg/events"
	"github.com/standardbeagle/mcplab/pkg/filters"
)

const (
	DefaultMaxEntries = 1000
	maxErrors         = 100
)

// Store keeps recent log entries per project in bounded rings, along
// with the Python errors parsed out of their stderr.
type Store struct {
	mu         sync.RWMutex
	maxEntries int
	byProject  map[string][]Entry
	parsers    map[string]*TracebackParser
	errors     map[string][]ErrorContext
}

func NewStore(maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		maxEntries: maxEntries,
		byProject:  make(map[string][]Entry),
		parsers:    make(map[string]*TracebackParser),
		errors:     make(map[string][]ErrorContext),
	}
}

// Add classifies and records one line for a project.
func (s *Store) Add(projectID, line string, source Source) Entry {
	entries := ClassifyLines([]string{line}, source, time.Now())
	if len(entries) == 0 {
		return Entry{}
	}
	entry := entries[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	ring := append(s.byProject[projectID], entry)
	if len(ring) > s.maxEntries {
		ring = ring[len(ring)-s.maxEntries:]
	}
	s.byProject[projectID] = ring

	if source == SourceStderr {
		p := s.parsers[projectID]
		if p == nil {
			p = NewTracebackParser()
			s.parsers[projectID] = p
		}
		if ctx := p.ProcessLine(stripansi.Strip(line)); ctx != nil {
			errs := append(s.errors[projectID], *ctx)
			if len(errs) > maxErrors {
				errs = errs[1:]
			}
			s.errors[projectID] = errs
		}
	}
	return entry
}

// Recent returns up to n of the newest entries, oldest first.
func (s *Store) Recent(projectID string, n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ring := s.byProject[projectID]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]Entry, n)
	copy(out, ring[len(ring)-n:])
	return out
}

// Search returns entries at or above minLevel that pass every filter.
func (s *Store) Search(projectID string, minLevel Level, fs []*filters.Filter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.byProject[projectID] {
		if minLevel != "" && e.Level.Rank() < minLevel.Rank() {
			continue
		}
		if !filters.MatchAll(fs, e.Message) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Errors returns the parsed Python errors for a project.
func (s *Store) Errors(projectID string) []ErrorContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ErrorContext, len(s.errors[projectID]))
	copy(out, s.errors[projectID])
	return out
}

func (s *Store) Clear(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byProject, projectID)
	delete(s.parsers, projectID)
	delete(s.errors, projectID)
}

// Attach records every LogLine event published on bus until the returned
// function is called.
func (s *Store) Attach(bus *events.EventBus) func() {
	return bus.Subscribe(events.LogLine, func(e events.Event) {
		line, _ := e.Data["line"].(string)
		source := SourceStdout
		if isErr, _ := e.Data["isError"].(bool); isErr {
			source = SourceStderr
		}
		s.Add(e.ProjectID, line, source)
	})
}
