package workspace

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// SourceExt is the extension of Solidity source files.
const SourceExt = ".sol"

// skippedDirs are dependency and VCS directories never scanned for sources.
var skippedDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	"lib":          {},
}

// IsSource reports whether path names a Solidity source file.
func IsSource(path string) bool {
	return strings.EqualFold(filepath.Ext(path), SourceExt)
}

func skipDir(name string) bool {
	_, ok := skippedDirs[name]

	return ok
}

// Discover returns every Solidity source below root, sorted by path.
func Discover(root string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}

			return nil
		}

		if IsSource(path) {
			files = append(files, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering sources in %s: %w", root, err)
	}

	sort.Strings(files)

	return files, nil
}
