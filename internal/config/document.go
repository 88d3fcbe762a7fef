package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/v2"
)

const (
	defaultsKey = "defaults"
	selfEntry   = "_self_"
	docExt      = ".yaml"
)

// fsProvider is a koanf.Provider reading one document from an fs.FS.
type fsProvider struct {
	fsys fs.FS
	name string
}

func (p *fsProvider) ReadBytes() ([]byte, error) {
	return fs.ReadFile(p.fsys, p.name)
}

func (p *fsProvider) Read() (map[string]any, error) {
	return nil, errors.New("fs provider does not support this method")
}

// DocumentName maps a pipeline name such as "extract_eICU" to its file name.
func DocumentName(name string) string {
	name = strings.TrimPrefix(path.Clean(strings.ReplaceAll(name, "\\", "/")), "/")
	if strings.HasSuffix(name, docExt) || strings.HasSuffix(name, ".yml") {
		return name
	}
	return name + docExt
}

// readDocument parses a single YAML document into a normalized tree.
func readDocument(fsys fs.FS, name string) (map[string]any, error) {
	if _, err := fs.Stat(fsys, name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config document not found: %s", name)
		}
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}

	k := koanf.New(".")
	if err := k.Load(&fsProvider{fsys: fsys, name: name}, yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", name, err)
	}
	return normalizeMap(k.Raw())
}

// composer walks defaults lists depth first.
type composer struct {
	fsys     fs.FS
	visiting map[string]bool
	sources  []string
	seen     map[string]bool
}

func newComposer(fsys fs.FS) *composer {
	return &composer{
		fsys:     fsys,
		visiting: make(map[string]bool),
		seen:     make(map[string]bool),
	}
}

// compose loads name and every document its defaults list pulls in, merged in
// list order. _self_ marks where the document's own body goes; without it the
// body is merged last.
func (c *composer) compose(name string) (map[string]any, error) {
	if c.visiting[name] {
		return nil, fmt.Errorf("%w: %s", ErrCompositionCycle, name)
	}
	c.visiting[name] = true
	defer delete(c.visiting, name)

	doc, err := readDocument(c.fsys, name)
	if err != nil {
		return nil, err
	}
	if !c.seen[name] {
		c.seen[name] = true
		c.sources = append(c.sources, name)
	}

	entries, err := defaultsOf(doc, name)
	if err != nil {
		return nil, err
	}
	delete(doc, defaultsKey)
	if len(entries) == 0 {
		return doc, nil
	}

	acc := map[string]any{}
	selfMerged := false
	for _, entry := range entries {
		if entry == selfEntry {
			if acc, err = mergeFrom(acc, doc, name); err != nil {
				return nil, err
			}
			selfMerged = true
			continue
		}

		childName := DocumentName(path.Join(path.Dir(name), entry))
		child, err := c.compose(childName)
		if err != nil {
			return nil, fmt.Errorf("defaults of %s: %w", name, err)
		}
		if acc, err = mergeFrom(acc, child, childName); err != nil {
			return nil, err
		}
	}
	if !selfMerged {
		if acc, err = mergeFrom(acc, doc, name); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func defaultsOf(doc map[string]any, name string) ([]string, error) {
	raw, ok := doc[defaultsKey]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &MalformedOverrideError{Path: defaultsKey, Want: string(KindSequence), Got: string(KindOf(raw)), Source: name}
	}

	entries := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%s: defaults[%d]: entries must be document names", name, i)
		}
		entries = append(entries, strings.TrimSpace(s))
	}
	return entries, nil
}
