package executor

import (
	"context"
	"time"

	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/types"
)

// Executor owns one isolated code context. Concurrent Execute calls on the
// same executor are serialized: the second waits for the first to finish.
// Every Execute stream carries exactly one terminator event.
type Executor interface {
	// Start launches the execution context. Must be called once before
	// Execute.
	Start(ctx context.Context) error

	// Execute runs code and streams structured output events. The stream
	// begins with stream_start and ends with stream_complete on success or
	// an error/execute_error terminator on failure. Cancelling ctx
	// interrupts the execution.
	Execute(ctx context.Context, code string) (<-chan types.Event, error)

	// Interrupt delivers a cancellation to running code. A no-op on an
	// idle executor.
	Interrupt() error

	// Status returns the current executor status
	Status() types.KernelStatus

	// Shutdown terminates the execution context. The executor cannot be
	// reused afterwards.
	Shutdown() error
}

// Config holds executor process settings
type Config struct {
	Mode                 types.KernelMode
	Language             types.KernelLanguage
	PythonCommand        string
	NodeCommand          string
	StartupTimeout       time.Duration
	InterruptGracePeriod time.Duration
}

// New creates an executor for the given mode and language. Both kernel
// modes are realized by the process executor: one harness subprocess per
// executor, in its own process group.
func New(cfg Config) (Executor, error) {
	if cfg.PythonCommand == "" {
		cfg.PythonCommand = "python3"
	}
	if cfg.NodeCommand == "" {
		cfg.NodeCommand = "node"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 20 * time.Second
	}
	if cfg.InterruptGracePeriod <= 0 {
		cfg.InterruptGracePeriod = 2 * time.Second
	}

	switch cfg.Language {
	case types.LanguagePython:
		return newProcessExecutor(cfg, cfg.PythonCommand, []string{"-u", "-c", pythonHarness}), nil
	case types.LanguageJavaScript, types.LanguageTypeScript:
		return newProcessExecutor(cfg, cfg.NodeCommand, []string{"-e", nodeHarness}), nil
	default:
		return nil, errdefs.InvalidInput("unknown kernel language %q", cfg.Language)
	}
}
