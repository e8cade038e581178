package pool

import (
	"context"
	"sync"
	"time"

	"github.com/substratehq/substrate/pkg/config"
	"github.com/substratehq/substrate/pkg/executor"
	"github.com/substratehq/substrate/pkg/log"
	"github.com/substratehq/substrate/pkg/metrics"
	"github.com/substratehq/substrate/pkg/types"
)

// Factory creates and starts a ready executor for a (mode, language) pair
type Factory func(ctx context.Context, mode types.KernelMode, lang types.KernelLanguage) (executor.Executor, error)

type key struct {
	mode types.KernelMode
	lang types.KernelLanguage
}

// Pool keeps pre-started idle executors warm so kernel creation skips the
// interpreter cold start. Take is O(1) and non-blocking; an empty slot
// returns nil and the caller falls back to a synchronous cold start.
type Pool struct {
	cfg     config.Pool
	factory Factory

	mu    sync.Mutex
	slots map[key][]executor.Executor
}

// New creates a pool. No executors are started until Preload or Refill.
func New(cfg config.Pool, factory Factory) *Pool {
	return &Pool{
		cfg:     cfg,
		factory: factory,
		slots:   make(map[key][]executor.Executor),
	}
}

// Preload fills every configured (mode, language) slot asynchronously
func (p *Pool) Preload() {
	if !p.cfg.Enabled {
		return
	}
	for _, kt := range p.cfg.PreloadConfigs {
		go p.refill(kt.Mode, kt.Language)
	}
}

// Take returns a warm executor or nil when the slot is empty. After a
// successful take a refill is scheduled asynchronously.
func (p *Pool) Take(mode types.KernelMode, lang types.KernelLanguage) executor.Executor {
	if !p.cfg.Enabled {
		return nil
	}
	k := key{mode, lang}

	p.mu.Lock()
	slot := p.slots[k]
	var exec executor.Executor
	for len(slot) > 0 && exec == nil {
		exec = slot[len(slot)-1]
		slot = slot[:len(slot)-1]
		// A pooled executor may have died while idle
		if exec.Status() == types.KernelStatusDead {
			exec = nil
		}
	}
	p.slots[k] = slot
	p.mu.Unlock()

	if exec != nil {
		metrics.PoolTakesTotal.WithLabelValues(string(mode), string(lang), "hit").Inc()
	} else {
		metrics.PoolTakesTotal.WithLabelValues(string(mode), string(lang), "miss").Inc()
	}
	if p.cfg.AutoRefill {
		go p.refill(mode, lang)
	}
	return exec
}

// Release disposes of a taken executor. Taken executors never return to
// the pool.
func (p *Pool) Release(exec executor.Executor) {
	if exec != nil {
		exec.Shutdown()
	}
}

// Size returns the number of idle executors for a (mode, language) pair
func (p *Pool) Size(mode types.KernelMode, lang types.KernelLanguage) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots[key{mode, lang}])
}

// Shutdown stops every pooled executor
func (p *Pool) Shutdown() {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[key][]executor.Executor)
	p.mu.Unlock()

	for _, slot := range slots {
		for _, exec := range slot {
			exec.Shutdown()
		}
	}
}

// refill tops a slot up to the configured pool size. Failures are logged
// and never reach the caller.
func (p *Pool) refill(mode types.KernelMode, lang types.KernelLanguage) {
	k := key{mode, lang}
	logger := log.WithComponent("pool")

	for {
		p.mu.Lock()
		need := p.cfg.Size - len(p.slots[k])
		p.mu.Unlock()
		if need <= 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		exec, err := p.factory(ctx, mode, lang)
		cancel()
		if err != nil {
			logger.Warn().Err(err).
				Str("mode", string(mode)).
				Str("language", string(lang)).
				Msg("pool refill failed")
			return
		}

		p.mu.Lock()
		if len(p.slots[k]) >= p.cfg.Size {
			// Another refill won the race
			p.mu.Unlock()
			exec.Shutdown()
			return
		}
		p.slots[k] = append(p.slots[k], exec)
		size := len(p.slots[k])
		p.mu.Unlock()

		metrics.PoolSize.WithLabelValues(string(mode), string(lang)).Set(float64(size))
	}
}
