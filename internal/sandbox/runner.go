package sandbox

import (
	"fmt"

	"github.com/szaher/appforge/internal/artifact"
)

// Runner describes how to boot a detected project type inside a sandbox:
// setup commands run to completion first, then the serve command runs as
// the primary process.
type Runner struct {
	// Setup commands are run sequentially via Exec. A failing setup
	// command aborts the launch.
	Setup []string
	// Serve is the long-running application command.
	Serve string
	// Port is the port the application is expected to listen on when
	// its own logs never announce one.
	Port int
}

// RunnerFor maps a project type to its boot procedure. Entry is the
// project-relative entry file, when one was detected.
func RunnerFor(pt artifact.ProjectType, entry string) (*Runner, error) {
	switch pt {
	case artifact.ProjectReact:
		return &Runner{
			Setup: []string{"npm install --no-audit --no-fund"},
			Serve: "BROWSER=none npm start",
			Port:  3000,
		}, nil
	case artifact.ProjectNode:
		serve := "npm start"
		if entry != "" {
			serve = fmt.Sprintf("node %s", entry)
		}
		return &Runner{
			Setup: []string{"npm install --no-audit --no-fund"},
			Serve: serve,
			Port:  3000,
		}, nil
	case artifact.ProjectPython:
		if entry == "" {
			entry = "main.py"
		}
		return &Runner{
			Setup: []string{"[ -f requirements.txt ] && pip install -r requirements.txt || true"},
			Serve: fmt.Sprintf("python3 %s", entry),
			Port:  8000,
		}, nil
	case artifact.ProjectStatic:
		return &Runner{
			Serve: "python3 -m http.server 8080",
			Port:  8080,
		}, nil
	default:
		return nil, fmt.Errorf("no runner for project type %q", pt)
	}
}
