// Package catalog holds the immutable signal table and the fixed option lists
// that drive the qualification form.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed signals.yaml
var defaultContent []byte

var (
	ErrEmptyCatalog    = errors.New("catalog has no signals")
	ErrDuplicateSignal = errors.New("duplicate signal")
	ErrInvalidScore    = errors.New("stress score out of range")
)

// SignalEntry is one named trigger event and its canned pitch material.
type SignalEntry struct {
	ID            string `yaml:"id" json:"id"`
	Label         string `yaml:"label" json:"label"`
	StressScore   int    `yaml:"stress_score" json:"stressScore"`
	AngleName     string `yaml:"angle_name" json:"angleName"`
	InternalFocus string `yaml:"internal_focus" json:"internalFocus"`
	Pitch         string `yaml:"pitch" json:"pitch"`
	HookTemplate  string `yaml:"hook_template" json:"hookTemplate"`
}

// Option is a selectable value with its display label.
type Option struct {
	Value string `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

type document struct {
	Signals        []SignalEntry `yaml:"signals"`
	Gatekeepers    []string      `yaml:"gatekeepers"`
	WorkforceSizes []Option      `yaml:"workforce_sizes"`
	Industries     []Option      `yaml:"industries"`
}

// Catalog is read-only after construction and safe for concurrent use.
type Catalog struct {
	signals        []SignalEntry
	byID           map[string]int
	byLabel        map[string]int
	gatekeepers    []string
	workforceSizes []Option
	industries     []Option
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	cat, err := Parse(defaultContent)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded content invalid: %v", err))
	}
	return cat
}

// Load reads a catalog file, or returns the embedded catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates catalog YAML.
func Parse(raw []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(doc.Signals) == 0 {
		return nil, ErrEmptyCatalog
	}

	cat := &Catalog{
		signals:        make([]SignalEntry, 0, len(doc.Signals)),
		byID:           make(map[string]int, len(doc.Signals)),
		byLabel:        make(map[string]int, len(doc.Signals)),
		gatekeepers:    doc.Gatekeepers,
		workforceSizes: doc.WorkforceSizes,
		industries:     doc.Industries,
	}
	for _, entry := range doc.Signals {
		entry.ID = strings.TrimSpace(entry.ID)
		entry.Label = strings.TrimSpace(entry.Label)
		if entry.ID == "" || entry.Label == "" {
			return nil, fmt.Errorf("signal %q: id and label are required", entry.ID)
		}
		if entry.StressScore < 0 || entry.StressScore > 100 {
			return nil, fmt.Errorf("%w: %s=%d", ErrInvalidScore, entry.ID, entry.StressScore)
		}
		if _, exists := cat.byID[entry.ID]; exists {
			return nil, fmt.Errorf("%w: id %s", ErrDuplicateSignal, entry.ID)
		}
		if _, exists := cat.byLabel[entry.Label]; exists {
			return nil, fmt.Errorf("%w: label %q", ErrDuplicateSignal, entry.Label)
		}
		cat.byID[entry.ID] = len(cat.signals)
		cat.byLabel[entry.Label] = len(cat.signals)
		cat.signals = append(cat.signals, entry)
	}
	return cat, nil
}

func (c *Catalog) Lookup(id string) (SignalEntry, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return SignalEntry{}, false
	}
	return c.signals[idx], true
}

// ByLabel resolves a display label back to its entry. Records written before
// signal ids were persisted only carry the label.
func (c *Catalog) ByLabel(label string) (SignalEntry, bool) {
	idx, ok := c.byLabel[strings.TrimSpace(label)]
	if !ok {
		return SignalEntry{}, false
	}
	return c.signals[idx], true
}

// Signals returns the entries in catalog order.
func (c *Catalog) Signals() []SignalEntry {
	out := make([]SignalEntry, len(c.signals))
	copy(out, c.signals)
	return out
}

func (c *Catalog) Gatekeepers() []string {
	out := make([]string, len(c.gatekeepers))
	copy(out, c.gatekeepers)
	return out
}

func (c *Catalog) WorkforceSizes() []Option {
	out := make([]Option, len(c.workforceSizes))
	copy(out, c.workforceSizes)
	return out
}

func (c *Catalog) Industries() []Option {
	out := make([]Option, len(c.industries))
	copy(out, c.industries)
	return out
}

func (c *Catalog) ValidGatekeeper(value string) bool {
	for _, g := range c.gatekeepers {
		if g == value {
			return true
		}
	}
	return false
}

// ValidWorkforceSize accepts the empty value, which means "not provided".
func (c *Catalog) ValidWorkforceSize(value string) bool {
	return value == "" || hasOption(c.workforceSizes, value)
}

// ValidIndustry accepts the empty value, which means "not provided".
func (c *Catalog) ValidIndustry(value string) bool {
	return value == "" || hasOption(c.industries, value)
}

func hasOption(options []Option, value string) bool {
	for _, o := range options {
		if o.Value == value {
			return true
		}
	}
	return false
}
