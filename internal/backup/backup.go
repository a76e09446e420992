// Package backup archives a conversion target tree so a session can
// be rolled back after a bad run. Archives are tar streams compressed
// with zstd, written next to the project under backups/.
package backup

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const archivePrefix = "conversion_backup_"

var (
	excludedDirs  = map[string]bool{"backups": true, ".git": true, ".svn": true, ".hg": true, "__pycache__": true, ".idea": true, ".vscode": true}
	excludedFiles = map[string]bool{".DS_Store": true}
)

// Metadata is written alongside each archive and embedded in it.
type Metadata struct {
	SessionID      string  `json:"sessionId"`
	Direction      string  `json:"direction"`
	ProjectName    string  `json:"projectName"`
	TargetPath     string  `json:"targetPath"`
	ConvertedUnits int     `json:"convertedUnits"`
	TotalUnits     int     `json:"totalUnits"`
	TokensUsed     int     `json:"tokensUsed"`
	CostUSD        float64 `json:"costUsd"`
	CreatedAt      float64 `json:"createdAt"`
}

// Result describes a created backup.
type Result struct {
	ArchivePath  string
	MetadataPath string
}

// Manager creates and prunes target-tree backups.
type Manager struct {
	compressionLevel int
}

// NewManager builds a manager. compressionLevel follows zstd levels;
// values outside the valid range clamp to the default.
func NewManager(compressionLevel int) *Manager {
	if compressionLevel < 1 || compressionLevel > 22 {
		compressionLevel = 3
	}
	return &Manager{compressionLevel: compressionLevel}
}

// Create archives targetPath into targetPath/backups and prunes old
// archives beyond retentionCount. A retentionCount below one keeps
// everything.
func (m *Manager) Create(targetPath string, meta Metadata, retentionCount int) (*Result, error) {
	backupsDir := filepath.Join(targetPath, "backups")
	if err := os.MkdirAll(backupsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backups dir: %w", err)
	}

	meta.CreatedAt = float64(time.Now().UnixNano()) / 1e9
	// Nanosecond suffix keeps names unique for rapid successive backups.
	timestamp := time.Now().Format("20060102_150405.000000000")
	archivePath := filepath.Join(backupsDir, archivePrefix+timestamp+".tar.zst")
	metadataPath := filepath.Join(backupsDir, archivePrefix+timestamp+".json")

	if err := m.writeArchive(targetPath, archivePath, meta); err != nil {
		_ = os.Remove(archivePath)
		return nil, err
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode backup metadata: %w", err)
	}
	if err := os.WriteFile(metadataPath, metaJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write backup metadata: %w", err)
	}

	if retentionCount > 0 {
		m.prune(backupsDir, retentionCount)
	}

	log.Printf("[backup] created %s for session %s", archivePath, meta.SessionID)
	return &Result{ArchivePath: archivePath, MetadataPath: metadataPath}, nil
}

func (m *Manager) writeArchive(targetPath, archivePath string, meta Metadata) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() { _ = out.Close() }()

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(m.compressionLevel)))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(enc)

	err = filepath.Walk(targetPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(targetPath, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if shouldSkip(rel, info) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return addFile(tw, path, filepath.ToSlash(rel), info)
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", targetPath, err)
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode embedded metadata: %w", err)
	}
	if err := writeEntry(tw, "conversion_metadata.json", metaJSON); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize tar: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize zstd: %w", err)
	}
	return out.Close()
}

func addFile(tw *tar.Writer, path, name string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(tw, f)
	return err
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: time.Now()}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func shouldSkip(rel string, info os.FileInfo) bool {
	if info.IsDir() && excludedDirs[info.Name()] {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if excludedDirs[part] {
			return true
		}
	}
	return excludedFiles[info.Name()]
}

// List returns archive paths under targetPath/backups, newest first.
func (m *Manager) List(targetPath string) ([]string, error) {
	backupsDir := filepath.Join(targetPath, "backups")
	entries, err := os.ReadDir(backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var archives []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, archivePrefix) && strings.HasSuffix(name, ".tar.zst") {
			archives = append(archives, filepath.Join(backupsDir, name))
		}
	}
	// Timestamped names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(archives)))
	return archives, nil
}

func (m *Manager) prune(backupsDir string, limit int) {
	archives, err := m.List(filepath.Dir(backupsDir))
	if err != nil {
		log.Printf("[backup] prune skipped: %v", err)
		return
	}
	for _, archive := range archives[min(limit, len(archives)):] {
		metadataFile := strings.TrimSuffix(archive, ".tar.zst") + ".json"
		if err := os.Remove(archive); err != nil {
			log.Printf("[backup] failed to prune %s: %v", archive, err)
			continue
		}
		_ = os.Remove(metadataFile)
	}
}
