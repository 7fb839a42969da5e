package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Janitor periodically sweeps workDir for orphaned partial-download and
// partial-extraction artifacts left behind by a coordinator crash — the
// in-memory inFlight bookkeeping a live Pipeline keeps is lost on restart,
// so a time-based sweep is the only way to reclaim them (supplemented
// feature; see SPEC_FULL.md).
type Janitor struct {
	workDir string
	minAge  time.Duration
	log     zerolog.Logger
	cr      *cron.Cron
}

// NewJanitor creates a Janitor over workDir. minAge is how old an artifact
// must be before it's considered orphaned rather than merely in-flight.
func NewJanitor(workDir string, minAge time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		workDir: workDir,
		minAge:  minAge,
		log:     log.With().Str("component", "pipeline_janitor").Logger(),
		cr:      cron.New(),
	}
}

// Start schedules the sweep on the given cron spec (e.g. "@every 10m") and
// begins running it.
func (j *Janitor) Start(spec string) error {
	_, err := j.cr.AddFunc(spec, j.sweep)
	if err != nil {
		return err
	}
	j.cr.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-progress sweep.
func (j *Janitor) Stop() {
	<-j.cr.Stop().Done()
}

func (j *Janitor) sweep() {
	entries, err := os.ReadDir(j.workDir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-j.minAge)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		orphaned := strings.HasSuffix(name, downloadSuffix) || strings.HasPrefix(name, extractPrefix)
		if !orphaned {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.workDir, name)
		if err := os.RemoveAll(path); err == nil {
			removed++
		}
	}
	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("swept orphaned install artifacts")
	}
}
