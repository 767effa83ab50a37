// Package env composes the environment handed to worker processes.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env holds global variables applied on top of the supervisor's own environment.
type Env struct {
	Var  Var // global variables (K->V)
	base Var // cached base from OS environment
}

// New returns an Env whose base is the current process environment.
func New() *Env {
	e := &Env{Var: make(Var)}
	e.FromOS()
	return e
}

// FromList builds an Env from "K=V" items; malformed items are skipped.
func FromList(kvs []string) *Env {
	e := New()
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.Var[k] = v
		}
	}
	return e
}

// FromOS re-reads the current process environment as the base. Call it before
// the Env is shared between supervisors.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.base = base
}

// Merge composes base, global overrides and perProc "K=V" overrides, in that
// order, then expands ${VAR} references against the composed map (one pass).
// The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	m := e.compose(perProc)
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return toList(expanded)
}

// Worker returns the environment for a hosted worker. Output is unbuffered,
// GPU visibility is disabled unless the operator set CUDA_VISIBLE_DEVICES,
// and the token is injected under tokenVar after expansion so it is passed
// verbatim.
func (e *Env) Worker(tokenVar, token string) []string {
	extra := []string{"PYTHONUNBUFFERED=1"}
	if !e.has("CUDA_VISIBLE_DEVICES") {
		extra = append(extra, "CUDA_VISIBLE_DEVICES=")
	}
	out := e.Merge(extra)
	if tokenVar == "" {
		return out
	}
	prefix := tokenVar + "="
	kept := out[:0]
	for _, kv := range out {
		if !strings.HasPrefix(kv, prefix) {
			kept = append(kept, kv)
		}
	}
	kept = append(kept, prefix+token)
	sort.Strings(kept)
	return kept
}

func (e *Env) has(k string) bool {
	if _, ok := e.Var[k]; ok {
		return true
	}
	_, ok := e.base[k]
	return ok
}

func (e *Env) compose(perProc []string) Var {
	m := make(Var, len(e.base)+len(e.Var)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perProc {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	return m
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func toList(m Var) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
