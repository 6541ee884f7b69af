package registry

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Stats summarizes the source files of a project.
type Stats struct {
	TotalFiles     int       `json:"total_files"`
	TotalSizeBytes int64     `json:"total_size_bytes"`
	LastActivity   time.Time `json:"last_activity"`
	UptimeSeconds  *float64  `json:"uptime_seconds,omitempty"`
}

// File is one entry of a project listing, path relative to the project.
type File struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

var skippedDirs = map[string]bool{
	".venv": true, "venv": true, ".git": true, "__pycache__": true,
	".pytest_cache": true, "node_modules": true, ".mypy_cache": true,
	".coverage": true, "dist": true, "build": true, ".env": true,
	".vscode": true, ".idea": true,
}

var skippedFiles = map[string]bool{
	"uv.lock": true, "poetry.lock": true, ".gitignore": true,
	".DS_Store": true, ".env": true, "requirements.txt.bak": true,
}

var countedExts = map[string]bool{
	".py": true, ".toml": true, ".txt": true, ".md": true, ".json": true,
	".yaml": true, ".yml": true, ".cfg": true, ".ini": true, ".sh": true,
	".dockerfile": true, ".requirements": true,
}

var countedNames = map[string]bool{
	"Dockerfile": true, "Makefile": true, "LICENSE": true, "CHANGELOG": true, "MANIFEST.in": true,
}

// ProjectStats counts the project's source files, ignoring environments,
// caches and lock files. A missing project directory counts as empty.
func ProjectStats(p *Project) (*Stats, error) {
	stats := &Stats{LastActivity: p.UpdatedAt}
	err := walkProject(p.Path, func(rel string, info fs.FileInfo) {
		name := info.Name()
		if skippedFiles[name] {
			return
		}
		if !countedExts[strings.ToLower(filepath.Ext(name))] && !countedNames[name] {
			return
		}
		stats.TotalFiles++
		stats.TotalSizeBytes += info.Size()
	})
	return stats, err
}

// ProjectFiles lists the project's files sorted by path, skipping the same
// directories as ProjectStats.
func ProjectFiles(p *Project) ([]File, error) {
	files := []File{}
	err := walkProject(p.Path, func(rel string, info fs.FileInfo) {
		files = append(files, File{
			Name:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	})
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, err
}

func walkProject(root string, visit func(rel string, info fs.FileInfo)) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, the root itself is not
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		visit(rel, info)
		return nil
	})
}
