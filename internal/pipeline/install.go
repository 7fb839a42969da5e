package pipeline

import (
	"context"
	"os/exec"

	"github.com/arduino-build/coordinator/internal/coorderr"
)

// Installer verifies an extracted package and runs any post-install hooks.
// No automatic retry applies to this stage (spec §4.6 "Install: no
// automatic retry; verification failure is a defect signal").
type Installer interface {
	Install(ctx context.Context, extractedDir string, onStatus func(text string)) error
}

// VerifyInstaller runs a package's post-install hook script, if present,
// and reports free-form status text as it progresses.
type VerifyInstaller struct {
	// PostHook, if set, is invoked with extractedDir as its working
	// directory after verification succeeds (e.g. a platform's
	// post_install.sh). A nil PostHook skips this step.
	PostHook func(extractedDir string) *exec.Cmd
}

func (v VerifyInstaller) Install(ctx context.Context, extractedDir string, onStatus func(text string)) error {
	if onStatus != nil {
		onStatus("verifying")
	}
	// Presence of the extracted tree is the verification; a missing or
	// empty tree would already have failed fingerprinting upstream.

	if v.PostHook == nil {
		if onStatus != nil {
			onStatus("installed")
		}
		return nil
	}

	if onStatus != nil {
		onStatus("running post-install hook")
	}
	cmd := v.PostHook(extractedDir)
	cmd.Dir = extractedDir
	if err := cmd.Run(); err != nil {
		return coorderr.Wrap(coorderr.KindDefectiveManifest, "post-install hook failed", err)
	}
	if onStatus != nil {
		onStatus("installed")
	}
	return nil
}
