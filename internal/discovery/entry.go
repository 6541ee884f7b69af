package discovery

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultFrameworkDir is the framework-specific nested source directory
// searched for entry points.
const DefaultFrameworkDir = "src/playwright_server"

// EntryNames are the candidate entry point filenames in priority order.
var EntryNames = []string{"server.py", "main.py", "app.py", "__main__.py"}

// excludedDirs are never walked.
var excludedDirs = map[string]bool{
	".venv":         true,
	"venv":          true,
	".git":          true,
	"__pycache__":   true,
	".pytest_cache": true,
	"node_modules":  true,
	".mypy_cache":   true,
	".coverage":     true,
	"dist":          true,
	"build":         true,
}

// IsExcludedDir reports whether a directory name is skipped by scans.
func IsExcludedDir(name string) bool {
	return excludedDirs[name]
}

func entryDirs(frameworkDir string) []string {
	if frameworkDir == "" {
		frameworkDir = DefaultFrameworkDir
	}
	return []string{"", "src", filepath.FromSlash(frameworkDir), "server"}
}

// FindEntryPoint searches the candidate directories, then the candidate
// names within each, and returns the first existing file.
func FindEntryPoint(root, frameworkDir string) (string, bool) {
	for _, dir := range entryDirs(frameworkDir) {
		for _, name := range EntryNames {
			path := filepath.Join(root, dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, true
			}
		}
	}
	return "", false
}

var mainGuard = regexp.MustCompile(`if\s+__name__\s*==\s*["']__main__["']|^\s*(async\s+)?def\s+main\s*\(`)

// FindDeployEntryPoint is FindEntryPoint with a final fallback to any
// Python file that contains a main guard or a main function.
func FindDeployEntryPoint(root, frameworkDir string, maxFiles int) (string, bool) {
	if path, ok := FindEntryPoint(root, frameworkDir); ok {
		return path, true
	}

	files, _ := PythonFiles(root, maxFiles)
	for _, path := range files {
		if hasMainGuard(path) {
			return path, true
		}
	}
	return "", false
}

func hasMainGuard(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), MaxFileSize)
	for scanner.Scan() {
		if mainGuard.MatchString(scanner.Text()) {
			return true
		}
	}
	return false
}

// PythonFiles walks root for .py files, skipping excluded directories.
// Paths are returned sorted, shallower files first. The walk stops after
// maxFiles files and reports whether it was truncated.
func PythonFiles(root string, maxFiles int) ([]string, bool) {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}

	var files []string
	truncated := false
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && IsExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 || !strings.HasSuffix(d.Name(), ".py") {
			return nil
		}
		if len(files) >= maxFiles {
			truncated = true
			return filepath.SkipAll
		}
		files = append(files, path)
		return nil
	})

	sort.SliceStable(files, func(i, j int) bool {
		di := strings.Count(files[i], string(filepath.Separator))
		dj := strings.Count(files[j], string(filepath.Separator))
		if di != dj {
			return di < dj
		}
		return files[i] < files[j]
	})
	return files, truncated
}
