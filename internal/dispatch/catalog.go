package dispatch

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.yaml.in/yaml/v3"

	"transitwatch/internal/incident"
)

// LineDirectory resolves line ids to display metadata.
type LineDirectory interface {
	Lookup(lineID string) (incident.LineInfo, bool)
}

// Catalog is a LineDirectory whose contents can be swapped atomically on
// config reload.
type Catalog struct {
	lines atomic.Pointer[map[string]incident.LineInfo]
}

func NewCatalog(lines []incident.LineInfo) *Catalog {
	c := &Catalog{}
	c.Replace(lines)
	return c
}

func (c *Catalog) Replace(lines []incident.LineInfo) {
	m := make(map[string]incident.LineInfo, len(lines))
	for _, l := range lines {
		id := strings.TrimSpace(l.ID)
		if id == "" {
			continue
		}
		l.ID = id
		m[id] = l
	}
	c.lines.Store(&m)
}

func (c *Catalog) Lookup(lineID string) (incident.LineInfo, bool) {
	if c == nil {
		return incident.LineInfo{}, false
	}
	m := c.lines.Load()
	if m == nil {
		return incident.LineInfo{}, false
	}
	l, ok := (*m)[lineID]
	return l, ok
}

func (c *Catalog) Len() int {
	if m := c.lines.Load(); m != nil {
		return len(*m)
	}
	return 0
}

type catalogFile struct {
	Lines []struct {
		ID    string `yaml:"id"`
		Label string `yaml:"label"`
		Color string `yaml:"color"`
	} `yaml:"lines"`
}

// LoadCatalogFile reads a YAML document of the form:
//
//	lines:
//	  - id: Metro-1
//	    label: Metro Line 1
func LoadCatalogFile(path string) ([]incident.LineInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]incident.LineInfo, 0, len(f.Lines))
	for _, l := range f.Lines {
		out = append(out, incident.LineInfo{ID: l.ID, Label: l.Label, Color: l.Color})
	}
	return out, nil
}
