/*
Package kernel implements the substrate kernel manager, the control plane for
sandboxed code-execution kernels.

A kernel is one interpreter subprocess (Python or Node) owned by exactly one
namespace. The manager allocates kernels through the warm executor pool,
routes streaming executions through sessions, archives execution history, and
enforces per-namespace quotas with idle-LRU eviction.

# Architecture

	┌─────────────────────── KERNEL MANAGER ───────────────────────┐
	│                                                               │
	│  ┌─────────────────────────────────────────────┐             │
	│  │              Manager                         │             │
	│  │  - Namespaced kernel registry                │             │
	│  │  - Per-namespace cap enforcement             │             │
	│  │  - Idle expiry via activity controller       │             │
	│  └───────┬──────────────────────┬──────────────┘             │
	│          │                      │                             │
	│  ┌───────▼────────┐     ┌───────▼──────────┐                 │
	│  │  Warm Pool     │     │  Session Registry │                │
	│  │  - Take on     │     │  - One session    │                │
	│  │    create      │     │    per execution  │                │
	│  │  - Cold start  │     │  - Backlog + live │                │
	│  │    on miss     │     │    fan-out        │                │
	│  └───────┬────────┘     └──────────────────┘                 │
	│          │                                                    │
	│  ┌───────▼─────────────────────────────────────┐             │
	│  │          Executor Subprocesses               │             │
	│  │  - python3 / node interpreter harness        │             │
	│  │  - Line-framed JSON event protocol           │             │
	│  │  - Interrupt-then-kill cancellation          │             │
	│  └─────────────────────────────────────────────┘             │
	└──────────────────────────────────────────────────────────────┘

# Kernel Lifecycle

Creation:

 1. Validate the (mode, language) pair against the allow-list
 2. Enforce the namespace cap, evicting the least-recently-active idle
    kernel when full
 3. Take a warm executor from the pool, or cold-start one on a miss
 4. Register with the activity controller when monitoring is enabled

Execution:

 1. ExecuteStream creates a session and registers it before the first event
 2. Executor events are pumped into the session; subscribers receive the
    backlog first, then live events
 3. On the terminator the execution is appended to the kernel history and,
    when configured, the on-disk archive

Expiry:

  - Idle kernels past their inactivity timeout are destroyed by the
    activity sweep
  - Expiry is cooperative: a busy kernel is skipped and retried on a
    later sweep

Restart:

  - Same kernel id, fresh interpreter process
  - History, archived history and session listeners are all dropped
  - A dead executor is replaced automatically on the next execution

# Usage

	m := kernel.NewManager(cfg.Kernels, nil, act, archive)
	p := pool.New(cfg.Pool, m.Factory())
	m.SetPool(p)
	p.Preload()

	id, err := m.CreateKernel(ctx, kernel.CreateOptions{
		Namespace: "team-a",
		Language:  types.LanguagePython,
	})

	sess, err := m.ExecuteStream(ctx, "team-a", id, "print('hello')")
	sub := sess.Subscribe()
	for ev := range sub {
		// stream_start, stream..., one terminator
	}

# Namespacing

Kernel ids are qualified as "<namespace>:<local>". Kernels are never
shared across namespaces: every lookup resolves the reference in the
caller's namespace and fails with NotFound otherwise, so foreign callers
cannot distinguish a missing kernel from a forbidden one.

# Integration Points

  - pkg/executor: interpreter subprocess lifecycle and event protocol
  - pkg/pool: warm executor pre-start pool
  - pkg/session: execution fan-out to concurrent subscribers
  - pkg/storage: bbolt-backed execution history archive
  - pkg/activity: idle-expiry sweeps
*/
package kernel
