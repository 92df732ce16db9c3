package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"
	"sort"
	"strings"
)

// Loader resolves statistic binaries into sources.
type Loader interface {
	Load(path string) (Source, error)
}

// GoPluginLoader opens Go plugins built with -buildmode=plugin. The shared object must
// export a `Stat` symbol of type Descriptor, *Descriptor or func() Descriptor.
type GoPluginLoader struct{}

// Load opens the shared object and reads its descriptor. When the descriptor carries no
// Source, the sibling .go file is fingerprinted, falling back to the binary itself.
func (GoPluginLoader) Load(path string) (Source, error) {
	if path == "" {
		return Source{}, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return Source{}, err
	}
	symbol, err := so.Lookup("Stat")
	if err != nil {
		return Source{}, err
	}

	var d Descriptor
	switch s := symbol.(type) {
	case *Descriptor:
		if s == nil {
			return Source{}, errors.New("Stat symbol is nil")
		}
		d = *s
	case func() Descriptor:
		d = s()
	case *func() Descriptor:
		d = (*s)()
	default:
		return Source{}, fmt.Errorf("Stat symbol has unsupported type %T", symbol)
	}

	if d.Source == "" {
		text, err := fingerprintSource(path)
		if err != nil {
			return Source{}, err
		}
		d.Source = text
	}
	return Source{Origin: path, Descriptor: d}, nil
}

func fingerprintSource(path string) (string, error) {
	goFile := strings.TrimSuffix(path, filepath.Ext(path)) + ".go"
	if raw, err := os.ReadFile(goFile); err == nil {
		return string(raw), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read plugin %s: %w", path, err)
	}
	return string(raw), nil
}

// LoadDir loads every *.so in cfg.Dir, in name order.
func LoadDir(cfg Config, loader Loader) ([]Source, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	if loader == nil {
		loader = GoPluginLoader{}
	}
	paths, err := filepath.Glob(filepath.Join(cfg.Dir, "*.so"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	sources := make([]Source, 0, len(paths))
	for _, path := range paths {
		src, err := loader.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load statistic from %s: %w", path, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}
