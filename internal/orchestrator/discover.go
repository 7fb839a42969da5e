package orchestrator

import (
	"os"
	"path/filepath"
)

// sourceExtensions lists the file extensions considered translation
// units. The manifest's own source-file syntax (e.g. explicit include
// lists) is out of scope; this is a directory walk.
var sourceExtensions = map[string]bool{
	".c": true, ".cc": true, ".cpp": true, ".cxx": true, ".ino": true,
}

// DiscoverSources walks root and returns every file with a recognized
// source extension, in a stable (lexical) order so planning is
// deterministic across runs.
func DiscoverSources(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if sourceExtensions[filepath.Ext(path)] {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
