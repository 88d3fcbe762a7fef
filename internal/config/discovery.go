package config

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// DiscoverPipelineFiles returns the sorted names of every YAML document in fsys.
// Hidden files and directories are skipped.
func DiscoverPipelineFiles(fsys fs.FS) ([]string, error) {
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != "." && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		switch path.Ext(p) {
		case ".yaml", ".yml":
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk config documents: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// ListPipelines returns the names of the runnable pipeline documents in fsys:
// every document except templates, whose names start with an underscore.
func ListPipelines(fsys fs.FS) ([]string, error) {
	files, err := DiscoverPipelineFiles(fsys)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, f := range files {
		if strings.HasPrefix(path.Base(f), "_") {
			continue
		}
		out = append(out, strings.TrimSuffix(f, path.Ext(f)))
	}
	return out, nil
}
