// Package runner drives a long running service from start to drain.
package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Service is what the runner starts and drains. relay.Server satisfies it.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Version is stamped at build time with -ldflags.
var Version = "dev"

// PrintBanner writes the startup banner. A nil writer disables it.
func PrintBanner(w io.Writer, addr string) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"VOICERELAY\" \"\" 0 }}\nVersion: " + Version + "\nListening: " + addr + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
