package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	spawnLogName = "spawn.log"
	// spawnLogMaxSize bounds the append-only spawn log before it rotates,
	// so a flapping bootstrap loop can't grow the state directory without
	// limit.
	spawnLogMaxSize = 2 << 20 // 2 MiB
)

// appendSpawnLog appends one line recording a spawn attempt to
// stateDir/spawn.log, the on-disk artifact spec §6's state layout
// describes directly ("a spawn log (append-only)"). This is separate
// from the optional sqlite recording in internal/history: the file
// survives even when no history store could be opened, and is the
// record spec §4.1's "post-hoc diagnosis" refers to.
func appendSpawnLog(stateDir string, delay time.Duration, ok bool, detail string) error {
	path := filepath.Join(stateDir, spawnLogName)
	if info, err := os.Stat(path); err == nil && info.Size() > spawnLogMaxSize {
		if err := os.Rename(path, path+".1"); err != nil {
			return fmt.Errorf("rotate spawn log: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open spawn log: %w", err)
	}
	defer f.Close()

	status := "ok"
	if !ok {
		status = "failed"
	}
	_, err = fmt.Fprintf(f, "%s delay=%s status=%s detail=%q\n",
		time.Now().Format(time.RFC3339), delay, status, detail)
	return err
}
