package language

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/limits"
)

// Registry maps language identifiers to profiles. It is never written after
// construction, so lookups need no locking.
type Registry struct {
	profiles map[string]Profile
	ids      []string
}

// NewRegistry validates the profiles and builds a registry. A later profile
// with the same ID replaces an earlier one.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		compiled, err := p.compile()
		if err != nil {
			return nil, err
		}
		r.profiles[p.ID] = compiled
	}
	r.ids = make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		r.ids = append(r.ids, id)
	}
	sort.Strings(r.ids)
	return r, nil
}

// NewFromConfig layers configuration overrides and the optional catalog file
// on top of the builtin profiles.
func NewFromConfig(cfg *config.Config) (*Registry, error) {
	merged := make(map[string]Profile)
	for _, p := range Builtins() {
		merged[p.ID] = p
	}

	for id, lang := range cfg.Languages {
		id = strings.ToLower(id)
		merged[id] = merged[id].merge(fromConfig(id, lang))
	}

	if cfg.LanguagesFile != "" {
		fileProfiles, err := LoadFile(cfg.LanguagesFile)
		if err != nil {
			return nil, err
		}
		for _, p := range fileProfiles {
			merged[p.ID] = merged[p.ID].merge(p)
		}
	}

	profiles := make([]Profile, 0, len(merged))
	for id, p := range merged {
		p.ID = id
		profiles = append(profiles, p)
	}
	return NewRegistry(profiles...)
}

// Resolve returns the profile registered under id.
func (r *Registry) Resolve(id string) (Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, id)
	}
	return p, nil
}

// List returns all profiles ordered by ID.
func (r *Registry) List() []Profile {
	out := make([]Profile, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.profiles[id])
	}
	return out
}

// IDs returns the registered identifiers in order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

type catalogFile struct {
	Languages []catalogEntry `yaml:"languages"`
}

type catalogEntry struct {
	ID              string `yaml:"id"`
	config.Language `yaml:",inline"`
}

// LoadFile reads a YAML language catalog.
func LoadFile(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read language catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse language catalog %s: %w", path, err)
	}

	profiles := make([]Profile, 0, len(file.Languages))
	for i, entry := range file.Languages {
		if entry.ID == "" {
			return nil, fmt.Errorf("language catalog %s: entry %d has no id", path, i)
		}
		profiles = append(profiles, fromConfig(strings.ToLower(entry.ID), entry.Language))
	}
	return profiles, nil
}

func fromConfig(id string, lang config.Language) Profile {
	var env map[string]string
	if len(lang.Env) > 0 {
		// viper lower-cases map keys
		env = make(map[string]string, len(lang.Env))
		for k, v := range lang.Env {
			env[strings.ToUpper(k)] = v
		}
	}
	return Profile{
		ID:         id,
		Name:       lang.Name,
		Image:      lang.Image,
		SourceFile: lang.SourceFile,
		Build:      lang.Build,
		Clean:      lang.Clean,
		Run:        lang.Run,
		Env:        env,
		Limits:     limits.OverridesFromSpec(lang.Limits),
		Blocked:    lang.BlockedPatterns,
	}
}

// Builtins returns the default catalog.
func Builtins() []Profile {
	return []Profile{
		{
			ID:         "python",
			Name:       "Python 3",
			Image:      "python:3.11-alpine",
			SourceFile: "solution.py",
			Run:        "python3 {source}",
			Env:        map[string]string{"PYTHONDONTWRITEBYTECODE": "1", "PYTHONUNBUFFERED": "1"},
		},
		{
			ID:         "javascript",
			Name:       "JavaScript (Node.js)",
			Image:      "node:18-alpine",
			SourceFile: "solution.js",
			Run:        "node {source}",
			Limits:     limits.Overrides{MaxProcesses: 64},
		},
		{
			ID:         "java",
			Name:       "Java 17",
			Image:      "eclipse-temurin:17-jdk-alpine",
			SourceFile: "Solution.java",
			Build:      "javac -d {workdir} {source}",
			Run:        "java -cp {workdir} Solution",
			Env:        map[string]string{"JAVA_TOOL_OPTIONS": "-XX:+UseSerialGC -XX:TieredStopAtLevel=1"},
			Limits:     limits.Overrides{MemoryBytes: 256 * limits.BytesPerMB, MaxProcesses: 64},
		},
		{
			ID:         "cpp",
			Name:       "C++17 (GCC)",
			Image:      "gcc:13",
			SourceFile: "solution.cpp",
			Build:      "g++ -std=c++17 -O2 -pipe -o {binary} {source}",
			Run:        "{binary}",
		},
		{
			ID:         "go",
			Name:       "Go",
			Image:      "golang:1.21-alpine",
			SourceFile: "solution.go",
			Build:      "go build -o {binary} {source}",
			Clean:      "rm -rf /tmp/gocache",
			Run:        "{binary}",
			Env: map[string]string{
				"CGO_ENABLED": "0",
				"GOCACHE":     "/tmp/gocache",
				"GOMAXPROCS":  "2",
				"HOME":        "/tmp",
			},
			Limits: limits.Overrides{MaxProcesses: 64},
		},
		{
			ID:         "rust",
			Name:       "Rust",
			Image:      "rust:1.75-alpine",
			SourceFile: "solution.rs",
			Build:      "rustc -O -o {binary} {source}",
			Run:        "{binary}",
		},
		{
			ID:         "text",
			Name:       "Plain text (echo stdin)",
			Image:      "busybox:1.36",
			SourceFile: "solution.txt",
			Run:        "cat",
			Limits:     limits.Overrides{Timeout: 2 * time.Second},
		},
	}
}
