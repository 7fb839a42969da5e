package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/arduino-build/coordinator/internal/compile"
	"github.com/arduino-build/coordinator/internal/coorderr"
)

// Result is the outcome of one Build.
type Result struct {
	ArtifactPath    string
	CompiledCount   int
	SkippedCount    int
	LinkedImagePath string
}

// Build runs one environment through the full orchestration sequence of
// spec §4.9: discover sources, plan translation units, submit to the
// compilation pool, link, post-process, and write the artifact under a
// per-profile subdirectory of buildRoot.
func Build(ctx context.Context, log zerolog.Logger, env Environment, buildRoot string, pool *compile.Pool, cancelled func() bool) (*Result, error) {
	platform, ok := Lookup(env.Platform)
	if !ok {
		return nil, coorderr.New(coorderr.KindDefectiveManifest, fmt.Sprintf("unknown platform %q", env.Platform))
	}

	profileDir := filepath.Join(buildRoot, env.Name, env.profile())
	objDir := filepath.Join(profileDir, "obj")
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		return nil, coorderr.Wrap(coorderr.KindTransientIO, "create object directory", err)
	}

	sources, err := DiscoverSources(env.SourceRoot)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindTransientIO, "discover sources", err)
	}
	if len(sources) == 0 {
		return nil, coorderr.New(coorderr.KindDefectiveManifest, fmt.Sprintf("no source files found under %s", env.SourceRoot))
	}

	units, err := platform.PlanSources(env, sources, objDir)
	if err != nil {
		return nil, coorderr.Wrap(coorderr.KindDefectiveManifest, "plan translation units", err)
	}

	compiled, skipped, objects, err := compileAll(pool, log, units, cancelled)
	if err != nil {
		return nil, err
	}
	if cancelled() {
		return nil, coorderr.New(coorderr.KindCancelled, "build cancelled before link")
	}

	linkedImage := filepath.Join(profileDir, env.Name+".elf")
	if err := runExternal(ctx, platform.LinkArgv(env, objects, linkedImage)); err != nil {
		return nil, coorderr.Wrap(coorderr.KindChildProcessNonzero, "link step failed", err)
	}

	artifact := filepath.Join(profileDir, env.Name+".bin")
	if err := runExternal(ctx, platform.PostProcessArgv(env, linkedImage, artifact)); err != nil {
		return nil, coorderr.Wrap(coorderr.KindChildProcessNonzero, "post-process step failed", err)
	}

	return &Result{
		ArtifactPath:    artifact,
		CompiledCount:   compiled,
		SkippedCount:    skipped,
		LinkedImagePath: linkedImage,
	}, nil
}

// compileAll submits every translation unit to pool up front so the
// pool's workers run them concurrently (spec §4.7 "workers run in
// parallel"), then waits on each dispatch in turn, honoring the
// cancellation checkpoint of spec §4.7. A cancellation observed while
// waiting on one dispatch cancels every dispatch not yet picked up by a
// worker; dispatches already in flight are left to finish in the
// background per the pool's own contract.
func compileAll(pool *compile.Pool, log zerolog.Logger, units []TranslationUnit, cancelled func() bool) (compiledCount, skippedCount int, objects []string, err error) {
	type pending struct {
		job *compile.Job
		obj string
	}
	waiting := make([]pending, len(units))
	jobs := make([]*compile.Job, len(units))
	dispatches := make([]*compile.Dispatch, len(units))

	for i, u := range units {
		job := &compile.Job{SourcePath: u.SourcePath, ObjectPath: u.ObjectPath, Argv: u.Argv}
		jobs[i] = job
		dispatches[i] = pool.Submit(job)
		waiting[i] = pending{job: job, obj: u.ObjectPath}
	}

	for i, d := range dispatches {
		if !compile.Wait(d, cancelled) {
			log.Warn().Str("source", waiting[i].job.SourcePath).Msg("compilation cancelled before completion")
			pool.CancelAllPending(jobs[i+1:])
			break
		}
	}

	for _, w := range waiting {
		switch w.job.Status() {
		case compile.JobDone:
			compiledCount++
			objects = append(objects, w.obj)
		case compile.JobSkipped:
			skippedCount++
			objects = append(objects, w.obj)
		case compile.JobFailed:
			stdout, stderr := w.job.Output()
			return 0, 0, nil, coorderr.New(coorderr.KindChildProcessNonzero,
				fmt.Sprintf("compile failed for %s (exit %d): %s%s", w.job.SourcePath, w.job.ExitCode(), stdout, stderr))
		}
	}
	return compiledCount, skippedCount, objects, nil
}

func runExternal(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, out)
	}
	return nil
}
