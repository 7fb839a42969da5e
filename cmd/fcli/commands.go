package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

type environmentParams struct {
	Name       string   `json:"name"`
	Platform   string   `json:"platform"`
	Board      string   `json:"board"`
	Flags      []string `json:"flags"`
	Libraries  []string `json:"libraries"`
	SourceRoot string   `json:"source_root"`
	Profile    string   `json:"profile"`
}

type buildParams struct {
	Environment environmentParams `json:"environment"`
	DryRun      bool              `json:"dry_run"`
}

type repeatedFlag []string

func (f *repeatedFlag) String() string     { return strings.Join(*f, ",") }
func (f *repeatedFlag) Set(v string) error { *f = append(*f, v); return nil }

func runBuild(baseURL string, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	name := fs.String("name", "", "environment name, e.g. uno")
	platform := fs.String("platform", "avr", "registry platform key")
	board := fs.String("board", "", "board identifier")
	sourceRoot := fs.String("source-root", ".", "source directory root")
	profile := fs.String("profile", "release", "build profile")
	dryRun := fs.Bool("dry-run", false, "plan only, never invoke the compiler")
	verbose := fs.Bool("verbose", false, "stream verbose build output")
	var flags, libs repeatedFlag
	fs.Var(&flags, "flag", "extra compiler flag (repeatable)")
	fs.Var(&libs, "library", "resolved library path (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return submitAndWait(baseURL, "/api/build", *name, buildParams{
		Environment: environmentParams{
			Name:       *name,
			Platform:   *platform,
			Board:      *board,
			Flags:      flags,
			Libraries:  libs,
			SourceRoot: *sourceRoot,
			Profile:    *profile,
		},
		DryRun: *dryRun,
	}, *verbose)
}

type uploadParams struct {
	Argv                     []string `json:"argv"`
	TotalTimeoutSeconds      int      `json:"total_timeout_seconds"`
	InactivityTimeoutSeconds int      `json:"inactivity_timeout_seconds"`
}

type deployParams struct {
	Port      string       `json:"port"`
	LeaseID   string       `json:"lease_id"`
	Upload    uploadParams `json:"upload"`
	Recovered bool         `json:"recovered"`
}

func runDeploy(baseURL string, args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	port := fs.String("port", "", "serial port")
	leaseID := fs.String("lease-id", "", "held deploy lease id on the port")
	argvStr := fs.String("argv", "", "upload tool command line, shell-quoted")
	totalTimeout := fs.Int("total-timeout", 60, "total upload timeout in seconds")
	inactivityTimeout := fs.Int("inactivity-timeout", 10, "inactivity timeout in seconds")
	recovered := fs.Bool("recovered", false, "wrap the upload in crash-loop recovery")
	verbose := fs.Bool("verbose", false, "stream verbose deploy output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	argv, err := shellquote.Split(*argvStr)
	if err != nil {
		return fmt.Errorf("parse --argv: %w", err)
	}

	return submitAndWait(baseURL, "/api/deploy", *port, deployParams{
		Port:    *port,
		LeaseID: *leaseID,
		Upload: uploadParams{
			Argv:                     argv,
			TotalTimeoutSeconds:      *totalTimeout,
			InactivityTimeoutSeconds: *inactivityTimeout,
		},
		Recovered: *recovered,
	}, *verbose)
}

type monitorParams struct {
	Port     string `json:"port"`
	ClientID string `json:"client_id"`
}

func runMonitor(baseURL string, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	port := fs.String("port", "", "serial port")
	clientID := fs.String("client-id", "fcli", "reader client id")
	verbose := fs.Bool("verbose", true, "stream verbose monitor output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return submitAndWait(baseURL, "/api/monitor", *port, monitorParams{
		Port:     *port,
		ClientID: *clientID,
	}, *verbose)
}

type installTaskParams struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	URL      string   `json:"url"`
	Registry string   `json:"registry,omitempty"`
	Deps     []string `json:"deps"`
}

type installDepsParams struct {
	Tasks []installTaskParams `json:"tasks"`
}

// runInstallDeps accepts one --task flag per package, each formatted
// "name:version:url[:dep1,dep2,...]". The url slot may instead be
// "registry=<url>", deferring the name@version -> download-url lookup to
// the coordinator's own registry index cache.
func runInstallDeps(baseURL string, args []string) error {
	fs := flag.NewFlagSet("install-deps", flag.ExitOnError)
	var taskSpecs repeatedFlag
	fs.Var(&taskSpecs, "task", "name:version:url|registry=url[:dep,dep,...] (repeatable)")
	verbose := fs.Bool("verbose", false, "stream verbose install output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tasks := make([]installTaskParams, 0, len(taskSpecs))
	for _, spec := range taskSpecs {
		parts := strings.SplitN(spec, ":", 4)
		if len(parts) < 3 {
			return fmt.Errorf("malformed --task %q: want name:version:url[:deps]", spec)
		}
		t := installTaskParams{Name: parts[0], Version: parts[1]}
		if reg := strings.TrimPrefix(parts[2], "registry="); reg != parts[2] {
			t.Registry = reg
		} else {
			t.URL = parts[2]
		}
		if len(parts) == 4 && parts[3] != "" {
			t.Deps = strings.Split(parts[3], ",")
		}
		tasks = append(tasks, t)
	}

	return submitAndWait(baseURL, "/api/install-deps", "install-deps", installDepsParams{Tasks: tasks}, *verbose)
}

func runDaemonStatus(baseURL string) error {
	return getAndPrint(baseURL + "/api/daemon/status")
}

func runLocksStatus(baseURL string) error {
	return postAndPrint(baseURL + "/api/locks/status")
}

func runShutdown(baseURL string) error {
	return postAndPrint(baseURL + "/api/daemon/shutdown")
}

func getAndPrint(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(resp.Body)
}

func postAndPrint(url string) error {
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(resp.Body)
}

func printJSON(r io.Reader) error {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
