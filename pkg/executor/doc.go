/*
Package executor runs interpreter subprocesses and speaks the line-framed
JSON event protocol with them.

An executor owns one python3 or node process running the embedded harness
script. Code goes in as a JSON request on stdin; events come back as JSON
lines on stdout: stream_start first, then stream / execute_result /
display_data / execute_error, and exactly one terminator (stream_complete
or error) last.

# Lifecycle

	exec, err := executor.New(executor.Config{
		Mode:     types.KernelModeWorker,
		Language: types.LanguagePython,
	})
	err = exec.Start(ctx)        // spawn + handshake
	events, err := exec.Execute(ctx, "print('hi')")
	for ev := range events { ... }
	exec.Interrupt()             // SIGINT, then SIGKILL after the grace period
	exec.Shutdown()              // terminate the subprocess

Start fails with a timeout if the harness does not hand-shake within the
configured startup window. A process that exits, or whose stdout closes,
marks the executor dead; the kernel manager replaces dead executors on the
next execution.

# Cancellation

Interrupt sends SIGINT and escalates to SIGKILL after the grace period.
An execution whose context is canceled is interrupted the same way; the
stream still ends with exactly one terminator.
*/
package executor
