package file

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListByExt returns the regular files directly under dir whose extension is
// in exts (case-insensitive, with or without the dot). A nil exts or one
// containing ".*" matches everything.
func ListByExt(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !MatchExt(entry.Name(), exts) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func MatchExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	got := strings.ToLower(filepath.Ext(name))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == ".*" || ext == "*" {
			return true
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if got == ext {
			return true
		}
	}
	return false
}
