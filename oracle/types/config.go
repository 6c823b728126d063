package types

import (
	"fmt"
	"sort"
	"time"
)

// CadenceClass is a named update frequency bucket shared by many oracles.
type CadenceClass struct {
	Name     string
	Interval time.Duration
	Labels   []string // registry frequency labels mapped onto this class
}

// CadenceTable resolves registry labels and class names to cadence classes.
type CadenceTable struct {
	classes []CadenceClass
	byName  map[string]int
	byLabel map[string]int
}

func NewCadenceTable(classes []CadenceClass) (*CadenceTable, error) {
	t := &CadenceTable{
		classes: make([]CadenceClass, 0, len(classes)),
		byName:  make(map[string]int, len(classes)),
		byLabel: make(map[string]int),
	}

	for _, c := range classes {
		name := NormalizeLabel(c.Name)
		if name == "" {
			return nil, fmt.Errorf("cadence class name is required")
		}
		if c.Interval <= 0 {
			return nil, fmt.Errorf("cadence class %s: interval must be positive", name)
		}
		if _, ok := t.byName[name]; ok {
			return nil, fmt.Errorf("duplicate cadence class %s", name)
		}

		idx := len(t.classes)
		c.Name = name
		t.classes = append(t.classes, c)
		t.byName[name] = idx

		for _, label := range append([]string{name}, c.Labels...) {
			label = NormalizeLabel(label)
			if label == "" {
				continue
			}
			if prev, ok := t.byLabel[label]; ok && prev != idx {
				return nil, fmt.Errorf("label %q mapped to both %s and %s", label, t.classes[prev].Name, name)
			}
			t.byLabel[label] = idx
		}
	}

	return t, nil
}

// DefaultCadenceClasses matches the frequencies published by the cron registry.
func DefaultCadenceClasses() []CadenceClass {
	return []CadenceClass{
		{Name: "fast", Interval: 10 * time.Second, Labels: []string{"10s"}},
		{Name: "medium", Interval: 30 * time.Second, Labels: []string{"30s"}},
		{Name: "slow", Interval: time.Minute, Labels: []string{"1m", "60s"}},
	}
}

func (t *CadenceTable) Classes() []CadenceClass {
	out := make([]CadenceClass, len(t.classes))
	copy(out, t.classes)
	return out
}

func (t *CadenceTable) Names() []string {
	names := make([]string, 0, len(t.classes))
	for _, c := range t.classes {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func (t *CadenceTable) ByName(name string) (CadenceClass, bool) {
	idx, ok := t.byName[NormalizeLabel(name)]
	if !ok {
		return CadenceClass{}, false
	}
	return t.classes[idx], true
}

// Resolve maps a registry frequency label (or a class name) to its class.
func (t *CadenceTable) Resolve(label string) (CadenceClass, bool) {
	idx, ok := t.byLabel[NormalizeLabel(label)]
	if !ok {
		return CadenceClass{}, false
	}
	return t.classes[idx], true
}
