// Package looptype loads declarative loop-type definitions: a named
// validator spec, completion predicate, prompt template, enabled tool
// list, and iteration bounds. Definitions are discovered across three
// directories — builtin defaults, a user-scoped directory, and a
// project-scoped directory — merged by name, with later directories
// overriding earlier ones, per spec.md §6.
package looptype

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Validator describes how an iteration's validation command runs.
type Validator struct {
	Command         string `yaml:"command"`
	WorkingDir      string `yaml:"working_dir"`
	SuccessExitCode int    `yaml:"success_exit_code"`
}

// Definition is one named loop type.
type Definition struct {
	Name                string    `yaml:"name"`
	Inputs              []string  `yaml:"inputs"`
	Outputs             []string  `yaml:"outputs"`
	Validator           Validator `yaml:"validator"`
	CompletionPredicate string    `yaml:"completion_predicate"`
	PromptTemplate      string    `yaml:"prompt_template"`
	Tools               []string  `yaml:"tools"`
	MaxIterations       int       `yaml:"max_iterations"`
	IterationTimeoutMS  int64     `yaml:"iteration_timeout_ms"`

	// Source records which directory this definition was loaded from,
	// for diagnostics when a SIGHUP reload changes behavior unexpectedly.
	Source string `yaml:"-"`
}

// DefaultMaxIterations is used when a definition omits max_iterations,
// per spec.md §4.7's "default 100 per loop type".
const DefaultMaxIterations = 100

// Registry holds the merged set of loop-type definitions.
type Registry struct {
	defs map[string]Definition
}

// Get returns the named definition and whether it was found.
func (r *Registry) Get(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns all loaded loop-type names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	return names
}

// Discover loads builtin defaults, then merges userDir and projectDir on
// top (later overrides earlier by name). userDir/projectDir may be empty
// strings, in which case they're skipped — e.g. no project-scoped
// directory configured yet.
func Discover(userDir, projectDir string) (*Registry, error) {
	defs := make(map[string]Definition)

	builtin, err := loadFS(builtinFS, "builtin", "builtin")
	if err != nil {
		return nil, fmt.Errorf("looptype: loading builtin definitions: %w", err)
	}
	merge(defs, builtin)

	for _, dir := range []string{userDir, projectDir} {
		if dir == "" {
			continue
		}
		loaded, err := loadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("looptype: loading %s: %w", dir, err)
		}
		merge(defs, loaded)
	}

	for name, d := range defs {
		if d.MaxIterations <= 0 {
			d.MaxIterations = DefaultMaxIterations
			defs[name] = d
		}
	}

	return &Registry{defs: defs}, nil
}

func merge(into map[string]Definition, from map[string]Definition) {
	for name, d := range from {
		into[name] = d
	}
}

// loadDir reads every *.yaml/*.yml file in dir from the real filesystem.
func loadDir(dir string) (map[string]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	defs := make(map[string]Definition)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		d, err := parse(data, dir)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		defs[d.Name] = d
	}
	return defs, nil
}

// loadFS reads every *.yaml/*.yml file from an fs.FS (used for the
// embedded builtin defaults).
func loadFS(f fs.FS, dir, sourceLabel string) (map[string]Definition, error) {
	entries, err := fs.ReadDir(f, dir)
	if err != nil {
		return nil, err
	}
	defs := make(map[string]Definition)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		data, err := fs.ReadFile(f, filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		d, err := parse(data, sourceLabel)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		defs[d.Name] = d
	}
	return defs, nil
}

func parse(data []byte, source string) (Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definition{}, err
	}
	if d.Name == "" {
		return Definition{}, fmt.Errorf("loop type definition missing name")
	}
	d.Source = source
	return d, nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
