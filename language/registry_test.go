package language

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/limits"
)

func TestRegistryResolve(t *testing.T) {
	reg, err := NewRegistry(Builtins()...)
	require.NoError(t, err)

	tests := []struct {
		id       string
		compiled bool
		hasError bool
	}{
		{"python", false, false},
		{"javascript", false, false},
		{"java", true, false},
		{"cpp", true, false},
		{"go", true, false},
		{"rust", true, false},
		{"text", false, false},
		{"cobol", false, true},
		{"", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			p, err := reg.Resolve(tt.id)
			if tt.hasError {
				require.ErrorIs(t, err, ErrUnknownLanguage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, p.ID)
			assert.Equal(t, tt.compiled, p.Compiled())
		})
	}
}

func TestRegistryConcurrentResolve(t *testing.T) {
	reg, err := NewRegistry(Builtins()...)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range reg.IDs() {
				_, err := reg.Resolve(id)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestRegistryList(t *testing.T) {
	reg, err := NewRegistry(Builtins()...)
	require.NoError(t, err)

	ids := make([]string, 0)
	for _, p := range reg.List() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"cpp", "go", "java", "javascript", "python", "rust", "text"}, ids)
}

func TestProfileTemplates(t *testing.T) {
	reg, err := NewRegistry(Builtins()...)
	require.NoError(t, err)

	t.Run("CompiledLanguage", func(t *testing.T) {
		p, err := reg.Resolve("cpp")
		require.NoError(t, err)
		assert.Equal(t, "/workspace/solution.cpp", p.SourcePath("/workspace"))
		assert.Equal(t, "g++ -std=c++17 -O2 -pipe -o /workspace/solution /workspace/solution.cpp", p.BuildCommand("/workspace"))
		assert.Equal(t, "/workspace/solution", p.RunCommand("/workspace"))
	})

	t.Run("InterpretedLanguage", func(t *testing.T) {
		p, err := reg.Resolve("python")
		require.NoError(t, err)
		assert.Empty(t, p.BuildCommand("/app"))
		assert.Equal(t, "python3 /app/solution.py", p.RunCommand("/app"))
	})

	t.Run("WorkDirPlaceholder", func(t *testing.T) {
		p, err := reg.Resolve("java")
		require.NoError(t, err)
		assert.Equal(t, "javac -d /w /w/Solution.java", p.BuildCommand("/w"))
		assert.Equal(t, "java -cp /w Solution", p.RunCommand("/w"))
	})

	t.Run("CleanTemplate", func(t *testing.T) {
		p, err := reg.Resolve("go")
		require.NoError(t, err)
		assert.Equal(t, "rm -rf /tmp/gocache", p.CleanCommand("/workspace"))

		cpp, err := reg.Resolve("cpp")
		require.NoError(t, err)
		assert.Empty(t, cpp.CleanCommand("/workspace"))
	})

	t.Run("EnvListSorted", func(t *testing.T) {
		p, err := reg.Resolve("go")
		require.NoError(t, err)
		assert.Equal(t, []string{"CGO_ENABLED=0", "GOCACHE=/tmp/gocache", "GOMAXPROCS=2", "HOME=/tmp"}, p.EnvList())
	})
}

func TestProfileValidate(t *testing.T) {
	base := Profile{ID: "x", Image: "alpine", SourceFile: "main.x", Run: "x {source}"}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(p *Profile)
		errMsg string
	}{
		{"MissingID", func(p *Profile) { p.ID = "" }, "no id"},
		{"MissingImage", func(p *Profile) { p.Image = "" }, "image is required"},
		{"MissingSource", func(p *Profile) { p.SourceFile = "" }, "source_file is required"},
		{"TraversalSource", func(p *Profile) { p.SourceFile = "../etc/passwd" }, "plain file name"},
		{"MissingRun", func(p *Profile) { p.Run = " " }, "run command is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	t.Run("OverrideBuiltin", func(t *testing.T) {
		cfg := &config.Config{
			Languages: map[string]config.Language{
				"cpp": {
					Image:  "registry.local/cpp-runner:1",
					Env:    map[string]string{"malloc_arena_max": "1"},
					Limits: config.LimitsSpec{MemoryMB: 64},
				},
			},
		}
		reg, err := NewFromConfig(cfg)
		require.NoError(t, err)

		p, err := reg.Resolve("cpp")
		require.NoError(t, err)
		assert.Equal(t, "registry.local/cpp-runner:1", p.Image)
		assert.Equal(t, "solution.cpp", p.SourceFile, "unset fields keep builtin values")
		assert.Equal(t, "1", p.Env["MALLOC_ARENA_MAX"])
		assert.Equal(t, int64(64*limits.BytesPerMB), p.Limits.MemoryBytes)
	})

	t.Run("AddLanguage", func(t *testing.T) {
		cfg := &config.Config{
			Languages: map[string]config.Language{
				"lua": {Image: "nickblah/lua:5.4", SourceFile: "main.lua", Run: "lua {source}"},
			},
		}
		reg, err := NewFromConfig(cfg)
		require.NoError(t, err)

		p, err := reg.Resolve("lua")
		require.NoError(t, err)
		assert.False(t, p.Compiled())
		assert.Equal(t, "lua /workspace/main.lua", p.RunCommand("/workspace"))
	})

	t.Run("IncompleteLanguageRejected", func(t *testing.T) {
		cfg := &config.Config{
			Languages: map[string]config.Language{"lua": {Image: "nickblah/lua:5.4"}},
		}
		_, err := NewFromConfig(cfg)
		require.Error(t, err)
	})

	t.Run("CatalogFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "languages.yaml")
		catalog := `
languages:
  - id: Kotlin
    name: Kotlin
    image: zenika/kotlin:1.9
    source_file: solution.kt
    build: kotlinc {source} -include-runtime -d {workdir}/solution.jar
    run: java -jar {workdir}/solution.jar
    limits:
      memory_mb: 384
      timeout_ms: 10000
`
		require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))

		reg, err := NewFromConfig(&config.Config{LanguagesFile: path})
		require.NoError(t, err)

		p, err := reg.Resolve("kotlin")
		require.NoError(t, err)
		assert.True(t, p.Compiled())
		assert.Equal(t, int64(384*limits.BytesPerMB), p.Limits.MemoryBytes)
		assert.Equal(t, "java -jar /workspace/solution.jar", p.RunCommand("/workspace"))
	})

	t.Run("MissingCatalogFile", func(t *testing.T) {
		_, err := NewFromConfig(&config.Config{LanguagesFile: filepath.Join(t.TempDir(), "missing.yaml")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read language catalog")
	})
}

func TestProfileScreen(t *testing.T) {
	cfg := &config.Config{
		Languages: map[string]config.Language{
			"python": {BlockedPatterns: []string{`import\s+subprocess`, `__import__\s*\(`}},
		},
	}
	reg, err := NewFromConfig(cfg)
	require.NoError(t, err)
	p, err := reg.Resolve("python")
	require.NoError(t, err)

	tests := []struct {
		name    string
		src     string
		blocked bool
	}{
		{"Clean", "print(input())", false},
		{"Import", "import subprocess\nsubprocess.run(['ls'])", true},
		{"CaseInsensitive", "IMPORT   SubProcess", true},
		{"DynamicImport", "m = __import__ ('os')", true},
		{"SimilarName", "import subprocessing_helpers_are_not_real", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Screen(tt.src)
			if !tt.blocked {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrBlockedSource)
			assert.Contains(t, err.Error(), "python")
		})
	}

	t.Run("OtherLanguagesUnaffected", func(t *testing.T) {
		js, err := reg.Resolve("javascript")
		require.NoError(t, err)
		assert.NoError(t, js.Screen("import subprocess"))
	})

	t.Run("InvalidPatternRejected", func(t *testing.T) {
		_, err := NewFromConfig(&config.Config{
			Languages: map[string]config.Language{"python": {BlockedPatterns: []string{"eval\\s*("}}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid blocked pattern")
	})

	t.Run("CatalogFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "languages.yaml")
		catalog := `
languages:
  - id: go
    blocked_patterns:
      - 'import\s+"os/exec"'
`
		require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))
		reg, err := NewFromConfig(&config.Config{LanguagesFile: path})
		require.NoError(t, err)

		g, err := reg.Resolve("go")
		require.NoError(t, err)
		assert.ErrorIs(t, g.Screen("package main\nimport \"os/exec\"\n"), ErrBlockedSource)
		assert.Equal(t, "go build -o /workspace/solution /workspace/solution.go", g.BuildCommand("/workspace"))
	})
}
