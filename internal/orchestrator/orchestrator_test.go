package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arduino-build/coordinator/internal/compile"
)

// stubPlatform exercises the Build pipeline without shelling out to a
// real compiler: every external command is "cp", so each step's output
// file exists only if that step ran on the paths Build handed it.
type stubPlatform struct{}

func (stubPlatform) Name() string { return "stub" }

func (stubPlatform) PlanSources(env Environment, sources []string, objDir string) ([]TranslationUnit, error) {
	units := make([]TranslationUnit, 0, len(sources))
	for _, s := range sources {
		obj := filepath.Join(objDir, filepath.Base(s)+".o")
		units = append(units, TranslationUnit{SourcePath: s, ObjectPath: obj, Argv: []string{"cp", s, obj}})
	}
	return units, nil
}

func (stubPlatform) LinkArgv(env Environment, objects []string, outPath string) []string {
	return []string{"cp", objects[0], outPath}
}

func (stubPlatform) PostProcessArgv(env Environment, linkedImage, finalPath string) []string {
	return []string{"cp", linkedImage, finalPath}
}

func TestBuild_ProducesArtifactUnderProfileSubdirectory(t *testing.T) {
	Register(stubPlatform{})

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "main.cpp"), []byte("int main(){}"), 0o644))
	buildRoot := t.TempDir()

	pool := compile.New(2, zerolog.Nop())
	pool.Start()
	defer pool.Stop()

	env := Environment{Name: "uno", Platform: "stub", Board: "uno", SourceRoot: srcDir, Profile: "release"}
	result, err := Build(context.Background(), zerolog.Nop(), env, buildRoot, pool, func() bool { return false })
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(buildRoot, "uno", "release", "uno.bin"), result.ArtifactPath)
	assert.FileExists(t, result.ArtifactPath)
	assert.Equal(t, 1, result.CompiledCount)
}

func TestBuild_CompilesMultipleSourcesThroughSharedPool(t *testing.T) {
	Register(stubPlatform{})

	srcDir := t.TempDir()
	for _, name := range []string{"a.cpp", "b.cpp", "c.cpp", "d.cpp"} {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, name), []byte("int x;"), 0o644))
	}
	buildRoot := t.TempDir()

	pool := compile.New(2, zerolog.Nop())
	pool.Start()
	defer pool.Stop()

	env := Environment{Name: "mega", Platform: "stub", Board: "mega", SourceRoot: srcDir, Profile: "release"}
	result, err := Build(context.Background(), zerolog.Nop(), env, buildRoot, pool, func() bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 4, result.CompiledCount)
}

func TestBuild_UnknownPlatformFailsFast(t *testing.T) {
	env := Environment{Name: "x", Platform: "does-not-exist", SourceRoot: t.TempDir()}
	_, err := Build(context.Background(), zerolog.Nop(), env, t.TempDir(), compile.New(1, zerolog.Nop()), func() bool { return false })
	assert.Error(t, err)
}

func TestBuild_NoSourcesFailsFast(t *testing.T) {
	Register(stubPlatform{})
	env := Environment{Name: "uno", Platform: "stub", SourceRoot: t.TempDir()}
	_, err := Build(context.Background(), zerolog.Nop(), env, t.TempDir(), compile.New(1, zerolog.Nop()), func() bool { return false })
	assert.Error(t, err)
}
