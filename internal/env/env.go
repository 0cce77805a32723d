package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Builder composes the daemon's environment. Layers apply in order: the
// supervisor's own environment (when inherited), env files in the order given,
// then explicit KEY=VALUE entries. ${VAR} references are expanded once against
// the composed result.
type Builder struct {
	inheritOS bool
	files     []string
	vars      []string
	osEnv     func() []string
}

func New() *Builder {
	return &Builder{osEnv: os.Environ}
}

// InheritOS toggles the OS environment as the base layer.
func (b *Builder) InheritOS(on bool) *Builder {
	b.inheritOS = on
	return b
}

// Files appends .env files to load.
func (b *Builder) Files(paths ...string) *Builder {
	b.files = append(b.files, paths...)
	return b
}

// Vars appends KEY=VALUE overrides. Entries without '=' or with an empty key
// are ignored.
func (b *Builder) Vars(kv ...string) *Builder {
	b.vars = append(b.vars, kv...)
	return b
}

// Empty reports whether nothing beyond plain inheritance was configured, in
// which case the launcher can pass no environment at all.
func (b *Builder) Empty() bool {
	return len(b.files) == 0 && len(b.vars) == 0
}

// Build returns the sorted environment as KEY=VALUE pairs.
func (b *Builder) Build() ([]string, error) {
	m := make(map[string]string)
	if b.inheritOS {
		put(m, b.osEnv())
	}
	for _, p := range b.files {
		fm, err := ParseFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range fm {
			m[k] = v
		}
	}
	put(m, b.vars)

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out, nil
}

func put(m map[string]string, kvs []string) {
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
}

// expand replaces ${VAR} with values from m. Unknown names are left as is and
// results are not re-expanded.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var sb strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		name := s[i+2 : i+2+j]
		sb.WriteString(s[:i])
		if v, ok := m[name]; ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

// ParseFile reads a simple .env file: KEY=VALUE lines, '#' comments, an
// optional "export " prefix and optional matching quotes around the value.
func ParseFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if n := len(v); n >= 2 && (v[0] == '"' || v[0] == '\'') && v[n-1] == v[0] {
			v = v[1 : n-1]
		}
		if k != "" {
			m[k] = v
		}
	}
	return m, nil
}
