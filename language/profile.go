// Package language holds the catalog of supported languages.
//
// Each language is a declarative Profile: the base image, where the source
// file lives, optional build command template, run command template and
// default limits. Adding a language is a catalog entry, never new code.
package language

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/isdmx/runbox/limits"
)

var (
	// ErrUnknownLanguage is returned by Resolve for an unregistered identifier.
	ErrUnknownLanguage = errors.New("unknown language")
	// ErrBlockedSource is returned by Screen for a source matching a
	// blocked pattern.
	ErrBlockedSource = errors.New("source contains a blocked construct")
)

// Template placeholders
const (
	PlaceholderSource  = "{source}"
	PlaceholderBinary  = "{binary}"
	PlaceholderWorkDir = "{workdir}"
)

// BinaryName is the artifact name compiled languages build into.
const BinaryName = "solution"

// Profile is the build and run recipe for one language.
type Profile struct {
	ID         string
	Name       string
	Image      string
	SourceFile string
	// Build is empty for interpreted languages.
	Build string
	// Clean runs after a successful build to drop compiler caches before
	// the run stage.
	Clean  string
	Run    string
	Env    map[string]string
	Limits limits.Overrides
	// Blocked holds case-insensitive regular expressions that sources are
	// screened against. Container isolation does not depend on it.
	Blocked []string

	screens []*regexp.Regexp
}

// Compiled reports whether the profile has a compile stage.
func (p Profile) Compiled() bool {
	return strings.TrimSpace(p.Build) != ""
}

// SourcePath is the absolute path of the materialized source file.
func (p Profile) SourcePath(workdir string) string {
	return path.Join(workdir, p.SourceFile)
}

// BuildCommand expands the build template for workdir.
func (p Profile) BuildCommand(workdir string) string {
	return p.expand(p.Build, workdir)
}

// CleanCommand expands the post-build cleanup template for workdir.
func (p Profile) CleanCommand(workdir string) string {
	return p.expand(p.Clean, workdir)
}

// RunCommand expands the run template for workdir.
func (p Profile) RunCommand(workdir string) string {
	return p.expand(p.Run, workdir)
}

func (p Profile) expand(tmpl, workdir string) string {
	r := strings.NewReplacer(
		PlaceholderSource, p.SourcePath(workdir),
		PlaceholderBinary, path.Join(workdir, BinaryName),
		PlaceholderWorkDir, workdir,
	)
	return r.Replace(tmpl)
}

// EnvList returns the environment as sorted KEY=VALUE pairs.
func (p Profile) EnvList() []string {
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Screen reports the first blocked pattern src matches. Profiles only
// screen once they are registered.
func (p Profile) Screen(src string) error {
	for i, re := range p.screens {
		if re.MatchString(src) {
			return fmt.Errorf("%w: %s matches %q", ErrBlockedSource, p.ID, p.Blocked[i])
		}
	}
	return nil
}

// compile prepares the blocked patterns for Screen.
func (p Profile) compile() (Profile, error) {
	p.screens = make([]*regexp.Regexp, 0, len(p.Blocked))
	for _, pattern := range p.Blocked {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return p, fmt.Errorf("language %s: invalid blocked pattern %q: %w", p.ID, pattern, err)
		}
		p.screens = append(p.screens, re)
	}
	return p, nil
}

// Validate checks that the profile can be executed.
func (p Profile) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("language profile has no id")
	case p.Image == "":
		return fmt.Errorf("language %s: image is required", p.ID)
	case p.SourceFile == "":
		return fmt.Errorf("language %s: source_file is required", p.ID)
	case strings.Contains(p.SourceFile, "/") || strings.Contains(p.SourceFile, ".."):
		return fmt.Errorf("language %s: source_file must be a plain file name, got %q", p.ID, p.SourceFile)
	case strings.TrimSpace(p.Run) == "":
		return fmt.Errorf("language %s: run command is required", p.ID)
	}
	return nil
}

// merge overlays the non-empty fields of o on p.
func (p Profile) merge(o Profile) Profile {
	if o.Name != "" {
		p.Name = o.Name
	}
	if o.Image != "" {
		p.Image = o.Image
	}
	if o.SourceFile != "" {
		p.SourceFile = o.SourceFile
	}
	if o.Build != "" {
		p.Build = o.Build
	}
	if o.Clean != "" {
		p.Clean = o.Clean
	}
	if o.Run != "" {
		p.Run = o.Run
	}
	if len(o.Blocked) > 0 {
		p.Blocked = append([]string(nil), o.Blocked...)
	}
	if len(o.Env) > 0 {
		env := make(map[string]string, len(p.Env)+len(o.Env))
		for k, v := range p.Env {
			env[k] = v
		}
		for k, v := range o.Env {
			env[k] = v
		}
		p.Env = env
	}
	p.Limits = mergeLimits(p.Limits, o.Limits)
	return p
}

func mergeLimits(base, o limits.Overrides) limits.Overrides {
	if o.CPUShare > 0 {
		base.CPUShare = o.CPUShare
	}
	if o.MemoryBytes > 0 {
		base.MemoryBytes = o.MemoryBytes
	}
	if o.Timeout > 0 {
		base.Timeout = o.Timeout
	}
	if o.MaxProcesses > 0 {
		base.MaxProcesses = o.MaxProcesses
	}
	if o.MaxOutputBytes > 0 {
		base.MaxOutputBytes = o.MaxOutputBytes
	}
	if o.Network != nil {
		base.Network = o.Network
	}
	return base
}
