package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/arduino-build/coordinator/internal/buildctx"
	"github.com/arduino-build/coordinator/internal/cancel"
	"github.com/arduino-build/coordinator/internal/compile"
	"github.com/arduino-build/coordinator/internal/device"
	"github.com/arduino-build/coordinator/internal/dispatcher"
	"github.com/arduino-build/coordinator/internal/lockmgr"
	"github.com/arduino-build/coordinator/internal/orchestrator"
	"github.com/arduino-build/coordinator/internal/pipeline"
	"github.com/arduino-build/coordinator/internal/request"
)

// environmentParams mirrors orchestrator.Environment on the wire; the
// manifest format that would otherwise populate these fields is out of
// scope (spec §1), so a build request hands over an already-resolved
// environment directly.
type environmentParams struct {
	Name       string   `json:"name"`
	Platform   string   `json:"platform"`
	Board      string   `json:"board"`
	Flags      []string `json:"flags"`
	Libraries  []string `json:"libraries"`
	SourceRoot string   `json:"source_root"`
	Profile    string   `json:"profile"`
}

func (p environmentParams) toEnvironment() orchestrator.Environment {
	return orchestrator.Environment{
		Name:       p.Name,
		Platform:   p.Platform,
		Board:      p.Board,
		Flags:      p.Flags,
		Libraries:  p.Libraries,
		SourceRoot: p.SourceRoot,
		Profile:    p.Profile,
	}
}

type buildParams struct {
	Environment environmentParams `json:"environment"`
	DryRun      bool              `json:"dry_run"`
}

type uploadParams struct {
	Argv                     []string `json:"argv"`
	TotalTimeoutSeconds      int      `json:"total_timeout_seconds"`
	InactivityTimeoutSeconds int      `json:"inactivity_timeout_seconds"`
}

func (p uploadParams) toUploadConfig() device.UploadConfig {
	return device.UploadConfig{
		Argv:              p.Argv,
		TotalTimeout:      time.Duration(p.TotalTimeoutSeconds) * time.Second,
		InactivityTimeout: time.Duration(p.InactivityTimeoutSeconds) * time.Second,
	}
}

type deployParams struct {
	Port      string       `json:"port"`
	LeaseID   string       `json:"lease_id"`
	Upload    uploadParams `json:"upload"`
	Recovered bool         `json:"recovered"`
}

type monitorParams struct {
	Port     string `json:"port"`
	ClientID string `json:"client_id"`
}

type installTaskParams struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	URL      string   `json:"url"`
	Registry string   `json:"registry,omitempty"` // resolves URL via the index cache when URL is empty
	Deps     []string `json:"deps"`
}

type installDepsParams struct {
	Tasks []installTaskParams `json:"tasks"`
}

// routeDeps bundles the subsystems every kind-specific handler closes
// over. cmd/coordinatord builds exactly one of these at startup.
type routeDeps struct {
	pool      *compile.Pool
	devices   *device.Manager
	cancels   *cancel.Registry
	cache     *pipeline.Cache
	index     *pipeline.IndexCache
	workDir   string
	buildDir  string
}

// buildRoutes assembles the dispatcher.Routes table: one handler and lock
// plan per request kind, matching spec §4.5 step 5's "routes to the
// kind-specific handler" and §4.3's named-lock convention (env:<name> for
// builds, device:<port> for anything touching a physical port).
func buildRoutes(d routeDeps) dispatcher.Routes {
	return dispatcher.Routes{
		Handlers: map[request.Kind]dispatcher.Handler{
			request.KindBuild:       d.handleBuild,
			request.KindDeploy:      d.handleDeploy,
			request.KindMonitor:     d.handleMonitor,
			request.KindInstallDeps: d.handleInstallDeps,
		},
		LockPlan: lockPlan,
	}
}

func lockPlan(req *request.Request) []dispatcher.LockSpec {
	switch req.Kind {
	case request.KindBuild:
		var p buildParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Environment.Name == "" {
			return nil
		}
		return []dispatcher.LockSpec{{Name: "env:" + p.Environment.Name, Policy: lockmgr.PolicyBlock}}
	case request.KindDeploy:
		var p deployParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Port == "" {
			return nil
		}
		return []dispatcher.LockSpec{{Name: "device:" + p.Port, Policy: lockmgr.PolicyPreempt}}
	default:
		// Monitor only ever takes a reader lease through the device
		// manager itself (non-exclusive by design); install-deps
		// coordinates purely through the pipeline's own DAG scheduler.
		return nil
	}
}

// cancelledFunc builds the cancelled() closure every long-running
// handler threads through to orchestrator.Build/pipeline.Run/device
// polling. Each handler registers its own request with the shared
// cancellation registry as its first action, since dispatcher.Handler
// itself doesn't carry a *cancel.Registry reference (spec §4.5 step 3
// runs the checkpoint before locks are even acquired, but by the time a
// handler is invoked the request has already cleared that gate — what
// matters from here on is that later checkpoints, inside the handler,
// observe the same registry the dispatcher checks on exit).
func (d routeDeps) cancelledFunc(req *request.Request) func() bool {
	d.cancels.Register(req.ID, req.CallerPID)
	return func() bool { return d.cancels.Cancelled(req.ID) }
}

func (d routeDeps) handleBuild(ctx context.Context, bctx *buildctx.Context, req *request.Request, tracker *dispatcher.JobTracker) error {
	var p buildParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return fmt.Errorf("build: decode params: %w", err)
	}
	env := p.Environment.toEnvironment()
	cancelled := d.cancelledFunc(req)

	if p.DryRun {
		sources, err := orchestrator.DiscoverSources(env.SourceRoot)
		if err != nil {
			return fmt.Errorf("build: discover sources: %w", err)
		}
		platform, ok := orchestrator.Lookup(env.Platform)
		if !ok {
			return fmt.Errorf("build: unknown platform %q", env.Platform)
		}
		objDir := filepath.Join(d.buildDir, "dryrun", req.ID)
		units, err := platform.PlanSources(env, sources, objDir)
		if err != nil {
			return fmt.Errorf("build: plan sources: %w", err)
		}
		bctx.Log.Info().Int("sources", len(sources)).Int("units", len(units)).Msg("dry run plan complete")
		return nil
	}

	result, err := orchestrator.Build(ctx, bctx.Log, env, d.buildDir, d.pool, cancelled)
	if err != nil {
		return err
	}
	bctx.Log.Info().
		Str("artifact", result.ArtifactPath).
		Int("compiled", result.CompiledCount).
		Int("skipped", result.SkippedCount).
		Msg("build complete")
	return nil
}

func (d routeDeps) handleDeploy(ctx context.Context, bctx *buildctx.Context, req *request.Request, tracker *dispatcher.JobTracker) error {
	var p deployParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return fmt.Errorf("deploy: decode params: %w", err)
	}
	d.cancelledFunc(req) // deploy has no natural mid-upload checkpoint; registers for parity with other kinds

	return d.devices.Deploy(ctx, bctx.Log, device.DeployRequest{
		Port:      p.Port,
		LeaseID:   p.LeaseID,
		Upload:    p.Upload.toUploadConfig(),
		Recovered: p.Recovered,
	})
}

// monitorPollInterval mirrors the endpoint package's own monitor poll
// cadence so a headless (non-WebSocket) monitor request behaves like the
// interactive one.
const monitorPollInterval = 100 * time.Millisecond

func (d routeDeps) handleMonitor(ctx context.Context, bctx *buildctx.Context, req *request.Request, tracker *dispatcher.JobTracker) error {
	var p monitorParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return fmt.Errorf("monitor: decode params: %w", err)
	}
	cancelled := d.cancelledFunc(req)

	leaseID, err := d.devices.Lease(p.Port, p.ClientID, device.ModeReader)
	if err != nil {
		return fmt.Errorf("monitor: lease %s: %w", p.Port, err)
	}
	defer d.devices.Release(p.Port, leaseID)

	ticker := time.NewTicker(monitorPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if cancelled() {
			return nil
		}
		lines, preempted, err := d.devices.Poll(p.Port, leaseID)
		if err != nil {
			return fmt.Errorf("monitor: poll %s: %w", p.Port, err)
		}
		if preempted {
			bctx.Log.Info().Str("port", p.Port).Msg("monitor preempted by deploy")
			continue
		}
		for _, line := range lines {
			bctx.Log.Info().Str("port", p.Port).Msg(line)
		}
	}
}

func (d routeDeps) handleInstallDeps(ctx context.Context, bctx *buildctx.Context, req *request.Request, tracker *dispatcher.JobTracker) error {
	var p installDepsParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return fmt.Errorf("install-deps: decode params: %w", err)
	}
	// install-deps runs under the "continue" cancellation policy (spec
	// §4.4): registering keeps the cancel signal observable to callers
	// polling status, but the pipeline itself is never told to abort, so
	// the shared cache still gets populated even if the caller lost
	// interest.
	d.cancelledFunc(req)
	neverCancelled := func() bool { return false }

	tasks := make([]*pipeline.Task, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		url := t.URL
		if url == "" && t.Registry != "" {
			resolved, err := d.index.Resolve(t.Registry, t.Name, t.Version)
			if err != nil {
				return fmt.Errorf("install-deps: resolve %s@%s: %w", t.Name, t.Version, err)
			}
			url = resolved
		}
		tasks = append(tasks, pipeline.NewTask(t.Name, t.Version, url, t.Deps))
	}
	graph, err := pipeline.NewGraph(tasks)
	if err != nil {
		return fmt.Errorf("install-deps: build graph: %w", err)
	}

	pl := pipeline.New(graph, pipeline.Config{
		DownloadWorkers: 4,
		UnpackWorkers:   2,
		InstallWorkers:  2,
		WorkDir:         d.workDir,
		Cache:           d.cache,
		Downloader:      pipeline.NewHTTPDownloader(),
		Unpacker:        pipeline.ArchiveUnpacker{},
		Installer:       pipeline.VerifyInstaller{},
		Log:             bctx.Log,
		OnProgress: func(t *pipeline.Task) {
			pct, status := t.Progress()
			bctx.Log.Debug().Str("task", t.Name).Int("pct", pct).Str("status", status).Msg("install progress")
		},
	})
	return pl.Run(ctx, neverCancelled)
}
