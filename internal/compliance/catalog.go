// Package compliance maps attack signatures to ISO 27001 controls.
package compliance

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Catalog is a control framework: sections of controls, in document order.
type Catalog struct {
	Framework string    `yaml:"framework"`
	Sections  []Section `yaml:"sections"`
}

// Section groups controls under one clause, e.g. A.9 Access Control.
type Section struct {
	ID       string  `yaml:"id"`
	Title    string  `yaml:"title"`
	Controls []Entry `yaml:"controls"`
}

// Entry is one catalog control.
type Entry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ParseCatalog decodes a YAML control catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if c.Framework == "" {
		return nil, fmt.Errorf("parse catalog: framework is required")
	}
	seen := make(map[string]bool)
	for _, s := range c.Sections {
		for _, e := range s.Controls {
			if seen[e.ID] {
				return nil, fmt.Errorf("parse catalog: duplicate control %s", e.ID)
			}
			seen[e.ID] = true
		}
	}
	return &c, nil
}

var defaultCatalog = mustParseCatalog(catalogYAML)

func mustParseCatalog(data []byte) *Catalog {
	c, err := ParseCatalog(data)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultCatalog returns the embedded ISO 27001:2013 catalog.
func DefaultCatalog() *Catalog {
	return defaultCatalog
}

// Lookup finds a control and its section.
func (c *Catalog) Lookup(controlID string) (Entry, Section, bool) {
	for _, s := range c.Sections {
		for _, e := range s.Controls {
			if e.ID == controlID {
				return e, s, true
			}
		}
	}
	return Entry{}, Section{}, false
}
