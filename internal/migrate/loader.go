// Package migrate loads migration definitions and runs them.
package migrate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lherron/upm/internal/domain"
	"gopkg.in/yaml.v3"
)

// LoadDir reads every *.yml and *.yaml file of dir. A file may hold
// several documents, one migration each.
func LoadDir(dir string) ([]*domain.Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yml" || ext == ".yaml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []*domain.Migration
	seen := map[string]string{}
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		defs, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		for _, m := range defs {
			if prev, ok := seen[m.ID]; ok {
				return nil, domain.ConfigError("migration %q defined in both %s and %s", m.ID, prev, name)
			}
			seen[m.ID] = name
			out = append(out, m)
		}
	}
	return out, nil
}

// Parse decodes one or more YAML documents into migrations.
func Parse(data []byte) ([]*domain.Migration, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*domain.Migration
	for {
		var m domain.Migration
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.ConfigError("invalid migration definition: %v", err)
		}
		if m.ID == "" && m.Source.Plugin == "" {
			// Empty document.
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}
