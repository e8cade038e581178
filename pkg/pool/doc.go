/*
Package pool maintains warm, pre-started executors so kernel creation skips
interpreter startup latency.

The pool keeps one slot per (mode, language) pair from the preload
configuration. Take hands out a live executor and triggers an asynchronous
refill; dead executors are skipped and dropped. A miss returns nil and the
caller cold-starts instead, so the pool is never on the failure path:
refill errors are logged and retried on the next demand, never surfaced.

	p := pool.New(cfg.Pool, factory)
	p.Preload()
	exec := p.Take(types.KernelModeWorker, types.LanguagePython) // nil on miss

Executors handed out are owned by the caller and never return to the pool;
Release is for executors the caller abandons before use.
*/
package pool
