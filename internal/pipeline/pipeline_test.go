package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arduino-build/coordinator/internal/coorderr"
)

type fakeDownloader struct{}

func (fakeDownloader) Download(ctx context.Context, url, destPath string, onProgress func(int)) error {
	if onProgress != nil {
		onProgress(100)
	}
	return os.WriteFile(destPath, []byte("archive-bytes-for:"+url), 0o644)
}

type fakeUnpacker struct{}

func (fakeUnpacker) Unpack(ctx context.Context, archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destDir, "payload.bin"), []byte("payload"), 0o644)
}

type fakeInstaller struct{}

func (fakeInstaller) Install(ctx context.Context, extractedDir string, onStatus func(string)) error {
	if onStatus != nil {
		onStatus("installed")
	}
	return nil
}

func newTestPipeline(t *testing.T, tasks []*Task) (*Pipeline, *Graph) {
	t.Helper()
	graph, err := NewGraph(tasks)
	require.NoError(t, err)

	cfg := Config{
		WorkDir:    t.TempDir(),
		Cache:      NewCache(t.TempDir()),
		Downloader: fakeDownloader{},
		Unpacker:   fakeUnpacker{},
		Installer:  fakeInstaller{},
		Log:        zerolog.Nop(),
	}
	return New(graph, cfg), graph
}

func TestPipeline_RunInstallsAllTasksInOrder(t *testing.T) {
	platform := NewTask("platform", "1.0", "http://x/platform.tgz", nil)
	toolchain := NewTask("toolchain", "1.0", "http://x/toolchain.tgz", []string{"platform"})

	p, graph := newTestPipeline(t, []*Task{platform, toolchain})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.Run(ctx, func() bool { return false })
	require.NoError(t, err)

	assert.Equal(t, StageDone, platform.Stage())
	assert.Equal(t, StageDone, toolchain.Stage())
	assert.True(t, graph.AllTerminal())
	assert.NotEmpty(t, platform.Fingerprint())
}

func TestPipeline_CacheHitSkipsNetworkAndDisk(t *testing.T) {
	task := NewTask("platform", "1.0", "http://x/platform.tgz", nil)
	p, _ := newTestPipeline(t, []*Task{task})
	p.cfg.Downloader = failIfCalledDownloader{t: t}

	identity := IdentityFingerprint(task.Name, task.Version, task.URL)
	contentFP := "content-fingerprint-from-a-prior-install"
	require.NoError(t, p.cfg.Cache.Commit(Manifest{
		Name: task.Name, Version: task.Version, URL: task.URL,
		InstalledAt: time.Now(), Fingerprint: contentFP,
	}))
	require.NoError(t, p.cfg.Cache.CommitIdentity(identity, contentFP))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx, func() bool { return false }))

	assert.Equal(t, StageDone, task.Stage())
	assert.Equal(t, contentFP, task.Fingerprint())
}

// failIfCalledDownloader fails the test the moment it is invoked; used to
// prove a cache hit never reaches the download stage.
type failIfCalledDownloader struct{ t *testing.T }

func (d failIfCalledDownloader) Download(ctx context.Context, url, destPath string, onProgress func(int)) error {
	d.t.Fatalf("download invoked despite cache hit for %s", url)
	return nil
}

// TestPipeline_SecondRunAgainstSameCacheIsANoOp exercises the real
// install path end to end: the first run downloads, unpacks, and installs,
// then a fresh Pipeline sharing the same Cache must hit on the very first
// task without touching the network, proving identity and content
// fingerprints are bridged correctly (spec §4.6/§8 idempotence).
func TestPipeline_SecondRunAgainstSameCacheIsANoOp(t *testing.T) {
	task := NewTask("platform", "1.0", "http://x/platform.tgz", nil)
	graph, err := NewGraph([]*Task{task})
	require.NoError(t, err)

	cache := NewCache(t.TempDir())
	downloads := 0
	cfg := Config{
		WorkDir:    t.TempDir(),
		Cache:      cache,
		Downloader: countingDownload{n: &downloads},
		Unpacker:   fakeUnpacker{},
		Installer:  fakeInstaller{},
		Log:        zerolog.Nop(),
	}

	p1 := New(graph, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p1.Run(ctx, func() bool { return false }))
	assert.Equal(t, StageDone, task.Stage())
	assert.Equal(t, 1, downloads)

	task2 := NewTask("platform", "1.0", "http://x/platform.tgz", nil)
	graph2, err := NewGraph([]*Task{task2})
	require.NoError(t, err)
	p2 := New(graph2, cfg)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, p2.Run(ctx2, func() bool { return false }))

	assert.Equal(t, StageDone, task2.Stage())
	assert.Equal(t, 1, downloads, "second run must not re-download")
	assert.Equal(t, task.Fingerprint(), task2.Fingerprint())
}

// countingDownload counts invocations while still performing a real
// download, unlike countingDownloader which always fails.
type countingDownload struct{ n *int }

func (d countingDownload) Download(ctx context.Context, url, destPath string, onProgress func(int)) error {
	*d.n++
	if onProgress != nil {
		onProgress(100)
	}
	return os.WriteFile(destPath, []byte("archive-bytes-for:"+url), 0o644)
}

func TestPipeline_FailedTaskPoisonsDependent(t *testing.T) {
	platform := NewTask("platform", "1.0", "http://x/platform.tgz", nil)
	toolchain := NewTask("toolchain", "1.0", "http://x/toolchain.tgz", []string{"platform"})

	p, graph := newTestPipeline(t, []*Task{platform, toolchain})
	p.cfg.Downloader = failingDownloader{}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = p.Run(ctx, func() bool { return false })

	assert.Equal(t, StageFailed, platform.Stage())
	assert.Equal(t, StageFailed, toolchain.Stage())
	assert.True(t, graph.AllTerminal())
}

// failingDownloader returns a permanent-remote error (like an HTTP 4xx),
// which the download stage must never retry.
type failingDownloader struct{}

func (failingDownloader) Download(ctx context.Context, url, destPath string, onProgress func(int)) error {
	return coorderr.New(coorderr.KindPermanentRemote, "404 not found")
}

func TestPipeline_CancellationMarksRemainingTasksCancelled(t *testing.T) {
	task := NewTask("platform", "1.0", "http://x/platform.tgz", nil)
	p, graph := newTestPipeline(t, []*Task{task})
	p.cfg.Downloader = blockingDownloader{}

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancelCtx()
	}()

	err := p.Run(ctx, func() bool { return false })
	require.Error(t, err)
	assert.Equal(t, StageCancelled, task.Stage())
	assert.True(t, graph.AllTerminal())
}

// blockingDownloader never completes on its own; it only returns once the
// pipeline's own context is cancelled, simulating a download in flight at
// the moment cancellation arrives.
type blockingDownloader struct{}

func (blockingDownloader) Download(ctx context.Context, url, destPath string, onProgress func(int)) error {
	<-ctx.Done()
	return ctx.Err()
}
