// Package compile runs the single process-wide compilation pool of spec
// §4.7: every translation unit across every concurrent build request is
// compiled through one of three modes (serial, shared pool, dedicated
// pool), with an incremental mtime-based skip and cancellation
// checkpoints at the compiler-invocation level.
package compile

import (
	"bytes"
	"os"

	shellquote "github.com/kballard/go-shellquote"
)

// JobStatus is the terminal or in-flight state of one compilation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSkipped   JobStatus = "skipped" // object file already up to date
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is a single translation-unit compile: one compiler invocation
// producing one object file from one source file.
type Job struct {
	SourcePath string
	ObjectPath string
	Argv       []string // full compiler command, Argv[0] is the compiler binary

	status   JobStatus
	exitCode int
	stdout   string
	stderr   string
}

// ArgvString renders the job's argument vector shell-quoted, for verbose
// logging — grounded on the pack's use of kballard/go-shellquote to render
// a safely-quoted command line rather than ad hoc string joining.
func (j *Job) ArgvString() string {
	return shellquote.Join(j.Argv...)
}

// needsCompile applies the incremental skip of spec §4.7: if the object
// file exists and is not older than the source file, compilation is
// short-circuited. This never shells out at all — the decisive
// optimization for incremental rebuilds.
func needsCompile(j *Job) (bool, error) {
	srcInfo, err := os.Stat(j.SourcePath)
	if err != nil {
		return true, err
	}
	objInfo, err := os.Stat(j.ObjectPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return true, err
	}
	return srcInfo.ModTime().After(objInfo.ModTime()), nil
}

// run invokes the compiler for j unless the incremental skip applies.
func run(j *Job) {
	needs, err := needsCompile(j)
	if err != nil {
		j.status = JobFailed
		j.stderr = err.Error()
		return
	}
	if !needs {
		j.status = JobSkipped
		return
	}

	j.status = JobRunning
	cmd := newChildCommand(j.Argv[0], j.Argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	j.stdout = stdout.String()
	j.stderr = stderr.String()
	if err != nil {
		j.status = JobFailed
		j.exitCode = exitCodeOf(err)
		return
	}
	j.status = JobDone
	j.exitCode = 0
}

func exitCodeOf(err error) int {
	type exitCoder interface{ ExitCode() int }
	if ee, ok := err.(exitCoder); ok {
		return ee.ExitCode()
	}
	return -1
}

// Status returns the job's terminal status.
func (j *Job) Status() JobStatus { return j.status }

// ExitCode returns the compiler's exit code, meaningful once Status is
// JobDone or JobFailed.
func (j *Job) ExitCode() int { return j.exitCode }

// Output returns the captured stdout/stderr of the compiler invocation.
func (j *Job) Output() (stdout, stderr string) { return j.stdout, j.stderr }
