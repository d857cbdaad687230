package bas

import (
	"os"
	"path/filepath"
	"sort"
)

// WalkSorted walks root and returns every regular file's path relative to
// root, sorted lexicographically. The kernel and validators use this
// instead of filepath.Walk's OS-dependent directory-entry order so that
// identical repository contents always yield an identical traversal
// (spec.md §5 "Filesystem walks return entries sorted lexicographically").
func WalkSorted(root string, skipDir func(relPath string) bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if skipDir != nil && skipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
