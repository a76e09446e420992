package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const snapExt = ".snap"

// ErrInvalidSessionID is returned when a session id is unsafe as a filename.
var ErrInvalidSessionID = errors.New("invalid session id: contains path separator or traversal sequence")

func validateSessionID(id string) error {
	if id == "" {
		return errors.New("session id cannot be empty")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return ErrInvalidSessionID
	}
	return nil
}

// FileStore persists snapshots as zstd-compressed JSON files, one per
// session, under a base directory. Writes go to a temp file in the same
// directory and are renamed into place, so readers always see a complete
// snapshot even if the process dies mid-write.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFileStore creates a file-backed store rooted at baseDir. If baseDir is
// empty, ~/.crossport/sessions is used.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".crossport", "sessions")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &FileStore{baseDir: baseDir, encoder: encoder, decoder: decoder}, nil
}

func (f *FileStore) path(sessionID string) string {
	return filepath.Join(f.baseDir, sessionID+snapExt)
}

// Save persists the snapshot atomically.
func (f *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}
	if err := validateSessionID(snap.SessionID); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	compressed := f.encoder.EncodeAll(data, nil)

	dst := f.path(snap.SessionID)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load retrieves the latest snapshot for a session.
func (f *FileStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStoreClosed
	}
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(f.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	data, err := f.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes a session's snapshot. Deleting a missing snapshot is not
// an error.
func (f *FileStore) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if err := os.Remove(f.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List returns the ids of all sessions with a snapshot.
func (f *FileStore) List(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, snapExt))
	}
	return ids, nil
}

// Close releases the compressor resources.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.decoder.Close()
	return f.encoder.Close()
}
