package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes subprocess environments: a base (normally the calling
// process's environment) plus per-call overrides. Values are passed through
// literally; no ${VAR} expansion is applied.
type Env struct {
	base Var
}

// FromOS snapshots the current process environment as the base.
func FromOS() *Env {
	return &Env{base: Parse(os.Environ())}
}

// New returns an Env with an explicit base.
func New(base Var) *Env {
	b := make(Var, len(base))
	for k, v := range base {
		if k != "" {
			b[k] = v
		}
	}
	return &Env{base: b}
}

// Parse turns "K=V" entries into a Var, skipping malformed ones.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// Lookup returns the base value for k.
func (e *Env) Lookup(k string) (string, bool) {
	v, ok := e.base[k]
	return v, ok
}

// WithSet returns a copy of e with k=v in its base.
func (e *Env) WithSet(k, v string) *Env {
	n := New(e.base)
	if k != "" {
		n.base[k] = v
	}
	return n
}

// Merge returns the base with overrides applied, as sorted "K=V" entries.
// Overrides with an empty key are ignored.
func (e *Env) Merge(overrides map[string]string) []string {
	m := make(Var, len(e.base)+len(overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range overrides {
		if k == "" || strings.ContainsRune(k, '=') {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
