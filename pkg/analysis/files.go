package analysis

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// extensionPriority is the ranking table for eligible source files. Lower is
// scanned first. Extensions absent from the table are ineligible.
//
//nolint:gochecknoglobals // static ranking table
var extensionPriority = map[string]int{
	".go":   1,
	".py":   2,
	".js":   3,
	".ts":   3,
	".jsx":  4,
	".tsx":  4,
	".java": 5,
	".c":    6,
	".cpp":  6,
	".rb":   7,
	".php":  7,
	".rs":   8,
}

// skipDirs are directory names excluded from enumeration: build output,
// vendored dependencies, and VCS metadata.
//
//nolint:gochecknoglobals // static exclusion set
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"venv":         true,
	".venv":        true,
	"__pycache__":  true,
}

// SourceFile is one eligible file discovered during enumeration.
type SourceFile struct {
	Path     string // path relative to the repository root, forward slashes
	AbsPath  string
	Size     int64
	Priority int
}

// EnumerateFiles walks root and returns eligible source files ranked by the
// extension priority table, capped at maxFiles. Files above sizeLimit bytes
// are skipped.
func EnumerateFiles(root string, maxFiles int, sizeLimit int64) ([]SourceFile, error) {
	var files []SourceFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		prio, ok := extensionPriority[strings.ToLower(filepath.Ext(d.Name()))]
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		if info.Size() > sizeLimit {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil //nolint:nilerr // out-of-root entries are skipped
		}
		files = append(files, SourceFile{
			Path:     filepath.ToSlash(rel),
			AbsPath:  path,
			Size:     info.Size(),
			Priority: prio,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate files under %s: %w", root, err)
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Priority != files[j].Priority {
			return files[i].Priority < files[j].Priority
		}
		return files[i].Path < files[j].Path
	})

	if maxFiles > 0 && len(files) > maxFiles {
		files = files[:maxFiles]
	}
	return files, nil
}

// FileContent is a file prepared for one analysis batch.
type FileContent struct {
	Path      string
	Content   string
	Truncated bool
}

// LoadContent reads a source file, truncating to limit bytes. The truncation
// flag survives into the prompt so the model knows the tail is missing.
func LoadContent(f SourceFile, limit int) (FileContent, error) {
	data, err := os.ReadFile(f.AbsPath)
	if err != nil {
		return FileContent{}, fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	content := string(data)
	truncated := false
	if limit > 0 && len(content) > limit {
		content = content[:limit]
		truncated = true
	}
	return FileContent{Path: f.Path, Content: content, Truncated: truncated}, nil
}
