// Package roster maps the keys operators submit to console account ids.
package roster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one managed account.
type Entry struct {
	// Key is what operators submit.
	Key string `json:"NIS" yaml:"NIS"`
	// ID is the console's user id.
	ID    string `json:"ID_GOOGLE" yaml:"ID_GOOGLE"`
	Name  string `json:"NAMA" yaml:"NAMA"`
	Class string `json:"KELAS,omitempty" yaml:"KELAS,omitempty"`
}

// DisplayName is the name, or the key when the entry has none.
func (e Entry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Key
}

// Roster is an immutable key index. Safe for concurrent use.
type Roster struct {
	entries []Entry
	byKey   map[string]int
}

// New indexes entries. The first entry for a key wins; entries without a key
// are dropped.
func New(entries []Entry) *Roster {
	r := &Roster{byKey: make(map[string]int, len(entries))}
	for _, e := range entries {
		e.Key = strings.TrimSpace(e.Key)
		if e.Key == "" {
			continue
		}
		if _, dup := r.byKey[e.Key]; dup {
			continue
		}
		r.byKey[e.Key] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return r
}

// Load reads a JSON array, or YAML when the extension is .yaml or .yml.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}

	var entries []Entry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse roster %s: %w", path, err)
	}
	return New(entries), nil
}

// Resolve looks up a key.
func (r *Roster) Resolve(key string) (Entry, bool) {
	i, ok := r.byKey[key]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Len returns the number of distinct keys.
func (r *Roster) Len() int {
	return len(r.entries)
}

// Classes returns the distinct non-empty classes, sorted.
func (r *Roster) Classes() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range r.entries {
		if e.Class == "" {
			continue
		}
		if _, ok := seen[e.Class]; ok {
			continue
		}
		seen[e.Class] = struct{}{}
		out = append(out, e.Class)
	}
	sort.Strings(out)
	return out
}

// KeysInClass returns the keys of a class in roster order.
func (r *Roster) KeysInClass(class string) []string {
	var out []string
	for _, e := range r.entries {
		if e.Class == class {
			out = append(out, e.Key)
		}
	}
	return out
}
