package platform

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/loykin/nodewarden/internal/outcome"
)

// DefaultArch is the mandatory fallback key of every per-OS table.
const DefaultArch = "default"

// Operating system and architecture identifiers understood by the resolver.
const (
	OSLinux   = "linux"
	OSDarwin  = "darwin"
	OSWindows = "win32"

	ArchX64   = "x64"
	ArchIA32  = "ia32"
	ArchARM64 = "arm64"
)

// Host identifies the machine the supervisor runs on.
type Host struct {
	OS   string
	Arch string
}

func (h Host) String() string { return h.OS + "/" + h.Arch }

// HostFromRuntime maps runtime.GOOS/GOARCH onto the resolver vocabulary.
func HostFromRuntime() Host {
	return Host{OS: normalizeOS(runtime.GOOS), Arch: normalizeArch(runtime.GOARCH)}
}

func normalizeOS(goos string) string {
	if goos == "windows" {
		return OSWindows
	}
	return goos
}

func normalizeArch(goarch string) string {
	switch goarch {
	case "amd64":
		return ArchX64
	case "386":
		return ArchIA32
	default:
		return goarch
	}
}

// Target is the resolved daemon executable for one run.
type Target struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
	Path string `json:"path"`
}

// Describe returns "os/arch" for diagnostics.
func (t Target) Describe() string { return t.OS + "/" + t.Arch }

// Table maps an OS identifier to its per-architecture executable paths.
type Table map[string]map[string]string

// Validate checks that every OS table carries a default entry.
func (t Table) Validate() error {
	for osName, arches := range t {
		if arches[DefaultArch] == "" {
			return fmt.Errorf("platform table for %q has no %q entry", osName, DefaultArch)
		}
	}
	return nil
}

// OSes returns the supported OS identifiers, sorted.
func (t Table) OSes() []string {
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultTable builds the stock layout under binDir:
// <binDir>/<os>/<arch>/<name>[.exe].
func DefaultTable(binDir, name string) Table {
	p := func(osName, arch, exe string) string {
		return filepath.Join(binDir, osName, arch, exe)
	}
	winExe := name + ".exe"
	return Table{
		OSLinux: {
			ArchX64:     p(OSLinux, ArchX64, name),
			ArchIA32:    p(OSLinux, ArchIA32, name),
			DefaultArch: p(OSLinux, ArchX64, name),
		},
		OSDarwin: {
			ArchX64:     p(OSDarwin, ArchX64, name),
			DefaultArch: p(OSDarwin, ArchX64, name),
		},
		OSWindows: {
			ArchX64:     p("win", ArchX64, winExe),
			ArchIA32:    p("win", ArchIA32, winExe),
			DefaultArch: p("win", ArchX64, winExe),
		},
	}
}

// Resolver is a pure lookup over a Table.
type Resolver struct {
	table Table
}

// NewResolver validates table and returns a Resolver over it.
func NewResolver(table Table) (*Resolver, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("empty platform table")
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{table: table}, nil
}

// Supported reports whether osName has an entry.
func (r *Resolver) Supported(osName string) bool {
	_, ok := r.table[osName]
	return ok
}

// Resolve returns the executable for (osName, arch). An unknown arch falls back
// to the OS default; only an unknown OS is an error.
func (r *Resolver) Resolve(osName, arch string) (Target, error) {
	arches, ok := r.table[osName]
	if !ok {
		return Target{}, outcome.Failf(outcome.CodeUnsupportedPlatform,
			"%s/%s (supported: %v)", osName, arch, r.table.OSes())
	}
	path, ok := arches[arch]
	if !ok || path == "" {
		path = arches[DefaultArch]
	}
	return Target{OS: osName, Arch: arch, Path: path}, nil
}
