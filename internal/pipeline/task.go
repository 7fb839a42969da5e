// Package pipeline implements the three-stage package install pipeline of
// spec §4.6: a DAG-scheduled download -> unpack -> install flow over
// bounded worker pools, with a content-addressed cache keyed by a
// deterministic fingerprint.
package pipeline

import (
	"sync"
)

// Stage is a task's current position in the pipeline.
type Stage string

const (
	StagePending Stage = "pending"
	StageReady   Stage = "ready"
	StageDownload Stage = "download"
	StageUnpack   Stage = "unpack"
	StageInstall  Stage = "install"
	StageDone     Stage = "done"
	StageFailed   Stage = "failed"
	StageCancelled Stage = "cancelled"
)

// Task is one node in the install DAG: a single package (platform,
// toolchain, framework, or library) to fetch and install.
type Task struct {
	mu sync.Mutex

	Name    string
	Version string
	URL     string
	Deps    []string // names of tasks that must reach StageDone first

	stage        Stage
	failReason   string
	fingerprint  string
	progressPct  int
	statusText   string
}

// NewTask creates a pending task.
func NewTask(name, version, url string, deps []string) *Task {
	return &Task{Name: name, Version: version, URL: url, Deps: deps, stage: StagePending}
}

// Stage returns the task's current stage.
func (t *Task) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

func (t *Task) setStage(s Stage) {
	t.mu.Lock()
	t.stage = s
	t.mu.Unlock()
}

// Fail marks the task failed with a reason. It does not touch dependents;
// Graph.PropagateFailure poisons those (spec §4.6 "depends on failed task X").
func (t *Task) Fail(reason string) {
	t.mu.Lock()
	t.stage = StageFailed
	t.failReason = reason
	t.mu.Unlock()
}

// FailReason returns the reason the task failed, if any.
func (t *Task) FailReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failReason
}

// SetFingerprint records the deterministic content fingerprint once known
// (after download+unpack, or immediately on a cache hit).
func (t *Task) SetFingerprint(fp string) {
	t.mu.Lock()
	t.fingerprint = fp
	t.mu.Unlock()
}

// Fingerprint returns the task's fingerprint, if set.
func (t *Task) Fingerprint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fingerprint
}

// SetProgress records stage-level progress for the aggregator (spec §4.6
// "Progress and display"): percent for download/unpack, free text for
// install.
func (t *Task) SetProgress(pct int, status string) {
	t.mu.Lock()
	t.progressPct = pct
	t.statusText = status
	t.mu.Unlock()
}

// Progress returns the last recorded progress percent and status text.
func (t *Task) Progress() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressPct, t.statusText
}
