package orchestrator

import (
	"fmt"
	"sync"
)

// registry is the process-wide set of known platform specializations,
// keyed by Environment.Platform.
var registry = struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}{platforms: make(map[string]Platform)}

// Register adds a platform specialization, keyed by its own Name().
// Intended to be called from each platform implementation's init().
func Register(p Platform) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.platforms[p.Name()] = p
}

// Lookup resolves a registered platform by key.
func Lookup(name string) (Platform, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	p, ok := registry.platforms[name]
	return p, ok
}

// Lint exercises every registered platform against a synthetic
// environment and checks the uniform-signature contract holds in
// practice, not just at compile time (spec §4.9 "a per-platform linting
// check verifies all specializations share the signature"): every method
// must return without panicking and must not hand back an empty argv for
// non-empty input.
func Lint() error {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	env := Environment{Name: "lint", Platform: "lint", Board: "lint-board", Profile: "release"}
	for name, p := range registry.platforms {
		if err := lintOne(name, p, env); err != nil {
			return err
		}
	}
	return nil
}

func lintOne(name string, p Platform, env Environment) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("platform %q: panicked during lint: %v", name, r)
		}
	}()

	units, planErr := p.PlanSources(env, []string{"main.cpp"}, "/tmp/lint-obj")
	if planErr != nil {
		return fmt.Errorf("platform %q: PlanSources: %w", name, planErr)
	}
	if len(units) == 0 {
		return fmt.Errorf("platform %q: PlanSources returned no translation units for one source file", name)
	}
	for _, u := range units {
		if len(u.Argv) == 0 {
			return fmt.Errorf("platform %q: translation unit for %s has empty argv", name, u.SourcePath)
		}
	}

	if argv := p.LinkArgv(env, []string{"a.o", "b.o"}, "/tmp/lint-out"); len(argv) == 0 {
		return fmt.Errorf("platform %q: LinkArgv returned empty argv", name)
	}
	if argv := p.PostProcessArgv(env, "/tmp/lint-linked", "/tmp/lint-final"); len(argv) == 0 {
		return fmt.Errorf("platform %q: PostProcessArgv returned empty argv", name)
	}
	return nil
}
