// Package learning promotes repeated manual fixes into reusable patterns.
// Fixes are keyed by a normalized signature of the failing content; once the
// same signature has been fixed with an identical replacement enough times,
// the pattern is promoted and future matching chunks bypass translation.
//
// The store is shared across sessions. All writes are serialized behind a
// single mutex; readers get copies.
package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultTriggerCount is the promotion threshold when none is configured.
const DefaultTriggerCount = 3

var wordTokens = regexp.MustCompile(`[A-Za-z_]+`)

// Fingerprint returns the normalized content signature used as the pattern
// key: a sha256 over the first 800 identifier-like tokens, lowercased.
// Whitespace and punctuation changes do not alter the signature.
func Fingerprint(content string) string {
	tokens := wordTokens.FindAllString(content, 800)
	normalized := strings.ToLower(strings.Join(tokens, " "))
	if normalized == "" {
		normalized = strings.ToLower(strings.TrimSpace(content))
		if len(normalized) > 800 {
			normalized = normalized[:800]
		}
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Pattern is one learned (or still-learning) fix.
type Pattern struct {
	Fingerprint     string    `json:"fingerprint"`
	OriginalExample string    `json:"originalExample"`
	Replacement     string    `json:"replacement"`
	Hint            string    `json:"hint,omitempty"`
	Count           int       `json:"count"`
	Threshold       int       `json:"threshold"`
	AutoAttempts    int       `json:"autoAttempts"`
	AutoSuccesses   int       `json:"autoSuccesses"`
	AutoFailures    int       `json:"autoFailures"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Promoted reports whether the pattern has crossed its trigger threshold.
func (p Pattern) Promoted() bool {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultTriggerCount
	}
	return p.Count >= threshold
}

// Store is the cross-session pattern store, persisted as a JSON file.
type Store struct {
	mu       sync.Mutex
	path     string
	patterns map[string]*Pattern
}

// NewStore opens or creates a pattern store at the given path.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, patterns: make(map[string]*Pattern)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read pattern store: %w", err)
	}
	var file struct {
		Patterns []*Pattern `json:"patterns"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pattern store: %w", err)
	}
	for _, p := range file.Patterns {
		s.patterns[p.Fingerprint] = p
	}
	return s, nil
}

// RecordFix registers one manual fix. An identical replacement for a known
// signature increments the count; a different replacement starts a new run
// at count 1. threshold <= 0 keeps the pattern's existing threshold (or the
// default). Returns a copy of the updated pattern.
func (s *Store) RecordFix(original, replacement, hint string, threshold int) (Pattern, error) {
	if original == "" || replacement == "" {
		return Pattern{}, errors.New("original and replacement are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := Fingerprint(original)
	now := time.Now().UTC()
	p, ok := s.patterns[fp]
	if !ok {
		p = &Pattern{
			Fingerprint:     fp,
			OriginalExample: original,
			Replacement:     replacement,
			Threshold:       DefaultTriggerCount,
			CreatedAt:       now,
		}
		s.patterns[fp] = p
	}
	if threshold > 0 {
		p.Threshold = threshold
	}
	if p.Replacement == replacement {
		p.Count++
	} else {
		// A materially different fix restarts the promotion run.
		p.Replacement = replacement
		p.Count = 1
	}
	if hint != "" {
		p.Hint = hint
	}
	p.UpdatedAt = now

	if err := s.persistLocked(); err != nil {
		return Pattern{}, err
	}
	return *p, nil
}

// Match returns the promoted pattern for the given content, if any.
func (s *Store) Match(content string) (Pattern, bool) {
	return s.MatchFingerprint(Fingerprint(content))
}

// MatchFingerprint returns the promoted pattern for a precomputed signature.
func (s *Store) MatchFingerprint(fp string) (Pattern, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[fp]
	if !ok || !p.Promoted() {
		return Pattern{}, false
	}
	return *p, true
}

// RecordAutoApply tracks an automatic application of a promoted pattern.
func (s *Store) RecordAutoApply(fp string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[fp]
	if !ok {
		return nil
	}
	p.AutoAttempts++
	if success {
		p.AutoSuccesses++
	} else {
		p.AutoFailures++
	}
	p.UpdatedAt = time.Now().UTC()
	return s.persistLocked()
}

// List returns copies of all patterns, promoted or not.
func (s *Store) List() []Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *p)
	}
	return out
}

// persistLocked writes the store atomically: marshal to a temp file in the
// same directory, then rename over the destination.
func (s *Store) persistLocked() error {
	var file struct {
		Patterns []*Pattern `json:"patterns"`
	}
	for _, p := range s.patterns {
		file.Patterns = append(file.Patterns, p)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pattern store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create pattern store dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write pattern store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace pattern store: %w", err)
	}
	return nil
}
