package shard

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Environment is an enumerable key/value source of shard bindings.
type Environment map[string]string

// FromOS captures the current process environment.
func FromOS() Environment {
	env := make(Environment)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}
	return env
}

// Binding is one discovered shard database.
type Binding struct {
	Name  string // full environment key, e.g. SHARDFED_DB_3_a1b2
	Index int    // numeric index; the highest index starts as the active shard
	Hash  string // suffix distinguishing provisioned instances
	DSN   string // database path
}

// ShardID returns the stable shard identifier for this binding.
func (b Binding) ShardID() string {
	return fmt.Sprintf("shard-%d", b.Index)
}

// Bindings returns every key matching <prefix>_<index>_<hash>, sorted by index.
// No matches yields an empty slice, not an error. Two bindings with the same
// index are rejected because shard ids derive from the index.
func (e Environment) Bindings(prefix string) ([]Binding, error) {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `_(\d+)_([A-Za-z0-9]+)$`)

	seen := make(map[int]string)
	out := []Binding{}
	for key, value := range e {
		m := pattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("binding %s: bad index: %w", key, err)
		}
		if prev, dup := seen[idx]; dup {
			return nil, fmt.Errorf("bindings %s and %s share index %d", prev, key, idx)
		}
		if value == "" {
			return nil, fmt.Errorf("binding %s has an empty database path", key)
		}
		seen[idx] = key
		out = append(out, Binding{Name: key, Index: idx, Hash: m[2], DSN: value})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}
