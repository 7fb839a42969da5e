package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_RegisteredPlatformsAreFound(t *testing.T) {
	_, ok := Lookup("avr")
	assert.True(t, ok)
	_, ok = Lookup("esp32")
	assert.True(t, ok)
}

func TestLookup_UnknownPlatformNotFound(t *testing.T) {
	_, ok := Lookup("does-not-exist")
	assert.False(t, ok)
}

func TestLint_PassesForAllRegisteredPlatforms(t *testing.T) {
	require.NoError(t, Lint())
}

type brokenPlatform struct{}

func (brokenPlatform) Name() string { return "broken" }
func (brokenPlatform) PlanSources(Environment, []string, string) ([]TranslationUnit, error) {
	return []TranslationUnit{{SourcePath: "main.cpp"}}, nil
}
func (brokenPlatform) LinkArgv(Environment, []string, string) []string      { return nil }
func (brokenPlatform) PostProcessArgv(Environment, string, string) []string { return nil }

func TestLint_FailsWhenASpecializationReturnsEmptyArgv(t *testing.T) {
	Register(brokenPlatform{})
	defer func() {
		registry.mu.Lock()
		delete(registry.platforms, "broken")
		registry.mu.Unlock()
	}()

	assert.Error(t, Lint())
}
