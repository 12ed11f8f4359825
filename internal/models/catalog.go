// Package models holds the static model descriptor registry. A Catalog
// is built once from configuration and never mutated afterwards, so it
// can be shared freely between the router, the context window and the
// transport fallback chain.
package models

import (
	"fmt"
	"slices"
	"sort"
)

// Category is a task class a model serves.
type Category string

// Known categories. General is the no-signal default; Vision is
// reserved for messages carrying image attachments.
const (
	CategoryThinking Category = "thinking"
	CategoryFast     Category = "fast"
	CategoryCode     Category = "code"
	CategoryBrowsing Category = "browsing"
	CategoryGeneral  Category = "general"
	CategoryVision   Category = "vision"
)

// Descriptor is one registered model.
type Descriptor struct {
	Name          string     // friendly name used everywhere inside the agent
	ID            string     // transport-specific identifier
	Provider      string     // provider key the transport routes by
	ContextWindow int        // tokens
	SupportsTools bool       // accepts tool/function schemas
	Vision        bool       // accepts image content parts
	Categories    []Category // task classes it serves
}

// Serves reports whether d is listed for category c.
func (d Descriptor) Serves(c Category) bool {
	return slices.Contains(d.Categories, c)
}

// Catalog is an immutable lookup table of descriptors plus the default
// model for each category.
type Catalog struct {
	byName   map[string]Descriptor
	defaults map[Category]string
}

// NewCatalog validates and indexes the given descriptors. Every default
// must name a registered model and a general default is required.
func NewCatalog(descs []Descriptor, defaults map[Category]string) (*Catalog, error) {
	c := &Catalog{
		byName:   make(map[string]Descriptor, len(descs)),
		defaults: make(map[Category]string, len(defaults)),
	}
	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("model descriptor with empty name")
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate model %q", d.Name)
		}
		if d.ID == "" {
			d.ID = d.Name
		}
		d.Categories = slices.Clone(d.Categories)
		c.byName[d.Name] = d
	}
	for cat, name := range defaults {
		if _, ok := c.byName[name]; !ok {
			return nil, fmt.Errorf("default for %s names unknown model %q", cat, name)
		}
		c.defaults[cat] = name
	}
	if _, ok := c.defaults[CategoryGeneral]; !ok {
		return nil, fmt.Errorf("no default model for category %q", CategoryGeneral)
	}
	return c, nil
}

// Lookup returns the descriptor registered under name.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// Has reports whether name is registered.
func (c *Catalog) Has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// SupportsTools reports the capability flag for name. Unknown models
// are treated as tool-capable so requests are not silently degraded.
func (c *Catalog) SupportsTools(name string) bool {
	d, ok := c.byName[name]
	if !ok {
		return true
	}
	return d.SupportsTools
}

// ContextWindow returns the window for name, or 0 if unknown.
func (c *Catalog) ContextWindow(name string) int {
	return c.byName[name].ContextWindow
}

// Default returns the model that serves category. Categories without an
// explicit default fall back to the general model.
func (c *Catalog) Default(cat Category) string {
	if name, ok := c.defaults[cat]; ok {
		return name
	}
	return c.defaults[CategoryGeneral]
}

// Names returns all registered model names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns every descriptor, sorted by name.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, 0, len(c.byName))
	for _, n := range c.Names() {
		out = append(out, c.byName[n])
	}
	return out
}
