package conversion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/crossport-dev/crossport/internal/plan"
	"github.com/crossport-dev/crossport/pkg/settings"
)

// maxPlannedFileSize keeps pathological files out of the pipeline.
const maxPlannedFileSize = 512 * 1024

var plannerSkipDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	".idea":        true,
	".vscode":      true,
	"__pycache__":  true,
	"node_modules": true,
	"vendor":       true,
	"backups":      true,
}

var dependencyManifests = map[string]bool{
	"requirements.txt": true,
	"pyproject.toml":   true,
	"setup.py":         true,
	"pipfile":          true,
	"package.json":     true,
	"go.mod":           true,
	"gemfile":          true,
	"cargo.toml":       true,
	"pom.xml":          true,
	"build.gradle":     true,
}

var projectSetupNames = map[string]bool{
	"makefile":   true,
	"dockerfile": true,
	"justfile":   true,
	".env":       true,
}

var codeLanguages = map[string]string{
	".py":    "python",
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rb":    "ruby",
	".java":  "java",
	".kt":    "kotlin",
	".cs":    "csharp",
	".c":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".h":     "c",
	".rs":    "rust",
	".swift": "swift",
	".php":   "php",
	".sh":    "shell",
}

var setupExtensions = map[string]bool{
	".yaml": true,
	".yml":  true,
	".toml": true,
	".ini":  true,
	".cfg":  true,
}

// FilePlanner walks a source tree and produces the chunk list for a new
// session: one chunk per file, staged by what the file is, plus a
// quality chunk for every code file so converted output gets validated.
type FilePlanner struct{}

// NewFilePlanner returns the default tree planner.
func NewFilePlanner() *FilePlanner { return &FilePlanner{} }

// Plan walks sourcePath and returns chunks ordered by stage.
func (fp *FilePlanner) Plan(ctx context.Context, sourcePath string, direction settings.Direction) ([]*plan.Chunk, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("plan source tree: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plan source tree: %s is not a directory", sourcePath)
	}

	staged := make(map[plan.Stage][]*plan.Chunk)
	walkErr := filepath.WalkDir(sourcePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if plannerSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(sourcePath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Size() > maxPlannedFileSize {
			log.Printf("[Planner] skipping %s (%d bytes)", rel, fi.Size())
			return nil
		}

		stage, language := classifyFile(rel)
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}

		chunk := newChunk(rel, stage, language, string(content))
		staged[stage] = append(staged[stage], chunk)
		if stage == plan.StageCode {
			quality := newChunk(rel, plan.StageQuality, language, "")
			staged[plan.StageQuality] = append(staged[plan.StageQuality], quality)
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("plan source tree: %w", walkErr)
	}

	var chunks []*plan.Chunk
	for _, stage := range plan.StageOrder {
		group := staged[stage]
		sort.Slice(group, func(i, j int) bool { return group[i].FilePath < group[j].FilePath })
		chunks = append(chunks, group...)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("plan source tree: no convertible files under %s", sourcePath)
	}
	return chunks, nil
}

func newChunk(path string, stage plan.Stage, language, content string) *plan.Chunk {
	sum := sha256.Sum256([]byte(content))
	lines := 0
	if content != "" {
		lines = strings.Count(content, "\n") + 1
	}
	return &plan.Chunk{
		ID:        uuid.New().String(),
		FilePath:  path,
		Stage:     stage,
		Language:  language,
		StartLine: 1,
		EndLine:   lines,
		ContentIn: content,
		Status:    plan.ChunkPending,
		Checksum:  hex.EncodeToString(sum[:]),
	}
}

// classifyFile maps a relative path to its pipeline stage and language.
func classifyFile(rel string) (plan.Stage, string) {
	base := strings.ToLower(filepath.Base(rel))
	ext := filepath.Ext(base)

	if dependencyManifests[base] {
		return plan.StageDependencies, ""
	}
	if projectSetupNames[base] || setupExtensions[ext] {
		return plan.StageProjectSetup, ""
	}
	if language, ok := codeLanguages[ext]; ok {
		if isTestPath(rel, base) {
			return plan.StageTests, language
		}
		return plan.StageCode, language
	}
	return plan.StageResources, ""
}

func isTestPath(rel, base string) bool {
	for _, part := range strings.Split(strings.ToLower(rel), "/") {
		if part == "test" || part == "tests" || part == "spec" || part == "__tests__" {
			return true
		}
	}
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.HasPrefix(name, "test_") ||
		strings.HasSuffix(name, "_test") ||
		strings.HasSuffix(name, ".test") ||
		strings.HasSuffix(name, ".spec")
}
