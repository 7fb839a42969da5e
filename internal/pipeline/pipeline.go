package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arduino-build/coordinator/internal/coorderr"
)

// Defaults per spec §4.6 "Stages and pools" — static for the lifetime of
// the pipeline, not auto-sized per task.
const (
	DefaultDownloadWorkers = 4
	DefaultUnpackWorkers   = 2
	DefaultInstallWorkers  = 2
)

// Config configures one Pipeline run.
type Config struct {
	DownloadWorkers int
	UnpackWorkers   int
	InstallWorkers  int
	WorkDir         string // scratch directory for in-flight downloads/extraction
	Cache           *Cache
	Downloader      Downloader
	Unpacker        Unpacker
	Installer       Installer
	Log             zerolog.Logger
	// OnProgress is called on every task progress update (spec §4.6
	// "Progress and display"); it must not block.
	OnProgress func(t *Task)
}

// Pipeline runs one install DAG to completion over the three stage pools.
type Pipeline struct {
	cfg       Config
	graph     *Graph
	download  *workerPool
	unpack    *workerPool
	install   *workerPool
	advance   chan struct{}
	cancelled atomic.Bool
	mu        sync.Mutex
	inFlight  map[string]string // task name -> scratch path needing cleanup
	runCtx    atomic.Value      // context.Context, set once Run starts
}

// New builds a Pipeline over the validated graph.
func New(graph *Graph, cfg Config) *Pipeline {
	if cfg.DownloadWorkers == 0 {
		cfg.DownloadWorkers = DefaultDownloadWorkers
	}
	if cfg.UnpackWorkers == 0 {
		cfg.UnpackWorkers = DefaultUnpackWorkers
	}
	if cfg.InstallWorkers == 0 {
		cfg.InstallWorkers = DefaultInstallWorkers
	}
	queueDepth := len(graph.tasks) + 1

	return &Pipeline{
		cfg:      cfg,
		graph:    graph,
		download: newWorkerPool("download", cfg.DownloadWorkers, queueDepth, cfg.Log),
		unpack:   newWorkerPool("unpack", cfg.UnpackWorkers, queueDepth, cfg.Log),
		install:  newWorkerPool("install", cfg.InstallWorkers, queueDepth, cfg.Log),
		advance:  make(chan struct{}, queueDepth*4),
		inFlight: make(map[string]string),
	}
}

// Run drives the DAG to completion: every task reaches done, failed, or
// cancelled. It returns the first install-stage error encountered, if any
// (scheduling and cache-hit logic never itself fails the run — individual
// task failures are recorded on the tasks and propagated to dependents).
func (p *Pipeline) Run(ctx context.Context, cancelled func() bool) error {
	p.runCtx.Store(ctx)
	p.download.Start()
	p.unpack.Start()
	p.install.Start()
	defer func() {
		p.download.Stop()
		p.unpack.Stop()
		p.install.Stop()
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.dispatchReady()

	for !p.graph.AllTerminal() {
		select {
		case <-p.advance:
			p.dispatchReady()
		case <-ticker.C:
			if cancelled() {
				p.cancelAll()
				return coorderr.New(coorderr.KindCancelled, "package install pipeline cancelled")
			}
			p.dispatchReady()
		case <-ctx.Done():
			p.cancelAll()
			return coorderr.New(coorderr.KindCancelled, "package install pipeline cancelled")
		}
	}
	return nil
}

func (p *Pipeline) ctx() context.Context {
	if v := p.runCtx.Load(); v != nil {
		return v.(context.Context)
	}
	return context.Background()
}

func (p *Pipeline) signalAdvance() {
	select {
	case p.advance <- struct{}{}:
	default:
	}
}

func (p *Pipeline) dispatchReady() {
	for _, t := range p.graph.Ready() {
		t.setStage(StageReady)
		p.startTask(t)
	}
}

func (p *Pipeline) report(t *Task) {
	if p.cfg.OnProgress != nil {
		p.cfg.OnProgress(t)
	}
}

// startTask performs the cache-hit check, then either short-circuits to
// done or enters the download stage (spec §4.6 "Idempotence and skip").
func (p *Pipeline) startTask(t *Task) {
	identity := IdentityFingerprint(t.Name, t.Version, t.URL)
	if m, ok := p.cfg.Cache.LookupByIdentity(identity); ok {
		t.SetFingerprint(m.Fingerprint)
		t.setStage(StageDone)
		t.SetProgress(100, "cached")
		p.report(t)
		p.signalAdvance()
		return
	}

	t.setStage(StageDownload)
	p.report(t)
	p.download.Submit(func() { p.runDownload(t, identity) })
}

func (p *Pipeline) runDownload(t *Task, identity string) {
	// The finished archive keeps the URL's extension, which the unpacker
	// dispatches on; only the in-flight file carries downloadSuffix.
	ext := filepath.Ext(t.URL)
	if ext == ".gz" && filepath.Ext(t.URL[:len(t.URL)-len(ext)]) == ".tar" {
		ext = ".tar.gz"
	}
	archive := filepath.Join(p.cfg.WorkDir, identity+ext)
	dest := archive + downloadSuffix
	p.trackInFlight(t.Name, dest)

	var lastErr error
	delays := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second}
	for attempt := 0; attempt < len(delays); attempt++ {
		if attempt > 0 {
			time.Sleep(delays[attempt])
		}
		err := p.cfg.Downloader.Download(p.ctx(), t.URL, dest, func(pct int) {
			t.SetProgress(pct, "downloading")
			p.report(t)
		})
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if cerr, ok := err.(*coorderr.Error); ok && cerr.Kind == coorderr.KindPermanentRemote {
			break // 4xx: never retried
		}
	}

	if lastErr == nil {
		if err := os.Rename(dest, archive); err != nil {
			lastErr = coorderr.Wrap(coorderr.KindTransientIO, "finalize download", err)
		}
	}
	if lastErr != nil {
		p.failTask(t, lastErr)
		os.Remove(dest)
		return
	}
	p.trackInFlight(t.Name, archive)

	t.setStage(StageUnpack)
	p.report(t)
	p.unpack.Submit(func() { p.runUnpack(t, identity, archive) })
}

func (p *Pipeline) runUnpack(t *Task, identity, archivePath string) {
	extractDir := filepath.Join(p.cfg.WorkDir, extractPrefix+identity)
	p.trackInFlight(t.Name, extractDir)

	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			time.Sleep(2 * time.Second)
		}
		err := p.cfg.Unpacker.Unpack(p.ctx(), archivePath, extractDir)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		cerr, ok := err.(*coorderr.Error)
		if !ok || cerr.Kind != coorderr.KindTransientIO {
			break // only permission-denied (classified transient_io) retries
		}
	}

	os.Remove(archivePath) // archive itself is never needed again past unpack

	if lastErr != nil {
		p.failTask(t, lastErr)
		os.RemoveAll(extractDir)
		return
	}

	fp, err := Fingerprint(extractDir)
	if err != nil {
		p.failTask(t, err)
		os.RemoveAll(extractDir)
		return
	}
	t.SetFingerprint(fp)

	t.setStage(StageInstall)
	p.report(t)
	p.install.Submit(func() { p.runInstall(t, identity, extractDir) })
}

func (p *Pipeline) runInstall(t *Task, identity, extractedDir string) {
	err := p.cfg.Installer.Install(p.ctx(), extractedDir, func(status string) {
		_, pct := statusProgress(t)
		t.SetProgress(pct, status)
		p.report(t)
	})
	if err != nil {
		p.failTask(t, err)
		os.RemoveAll(extractedDir)
		return
	}

	fp := t.Fingerprint()
	err = p.cfg.Cache.Commit(Manifest{
		Name:        t.Name,
		Type:        "package",
		Version:     t.Version,
		URL:         t.URL,
		InstalledAt: time.Now(),
		Fingerprint: fp,
	})
	if err != nil {
		p.failTask(t, err)
		os.RemoveAll(extractedDir)
		return
	}
	if err := p.cfg.Cache.CommitIdentity(identity, fp); err != nil {
		p.failTask(t, err)
		os.RemoveAll(extractedDir)
		return
	}

	t.setStage(StageDone)
	t.SetProgress(100, "installed")
	p.report(t)
	p.clearInFlight(t.Name)
	p.signalAdvance()
}

func statusProgress(t *Task) (string, int) {
	pct, status := t.Progress()
	return status, pct
}

func (p *Pipeline) failTask(t *Task, err error) {
	if t.Stage() == StageCancelled {
		// cancelAll already claimed this task; don't relabel a cancellation
		// as a failure just because the in-flight stage unwound afterward.
		p.clearInFlight(t.Name)
		return
	}
	t.Fail(err.Error())
	p.report(t)
	p.clearInFlight(t.Name)
	p.graph.PropagateFailure(t.Name)
	p.signalAdvance()
}

func (p *Pipeline) trackInFlight(name, path string) {
	p.mu.Lock()
	p.inFlight[name] = path
	p.mu.Unlock()
}

func (p *Pipeline) clearInFlight(name string) {
	p.mu.Lock()
	delete(p.inFlight, name)
	p.mu.Unlock()
}

// cancelAll stops dispatching new tasks, marks every non-terminal task
// cancelled, and deletes in-flight partial artifacts while leaving
// completed cache entries untouched (spec §4.6 "Cancellation cleanup").
func (p *Pipeline) cancelAll() {
	p.cancelled.Store(true)
	for _, t := range p.graph.Tasks() {
		switch t.Stage() {
		case StageDone, StageFailed, StageCancelled:
		default:
			t.setStage(StageCancelled)
			p.report(t)
		}
	}

	p.mu.Lock()
	paths := make([]string, 0, len(p.inFlight))
	for _, path := range p.inFlight {
		paths = append(paths, path)
	}
	p.inFlight = make(map[string]string)
	p.mu.Unlock()

	for _, path := range paths {
		os.RemoveAll(path)
	}
}
