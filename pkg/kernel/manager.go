package kernel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/substratehq/substrate/pkg/activity"
	"github.com/substratehq/substrate/pkg/config"
	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/executor"
	"github.com/substratehq/substrate/pkg/log"
	"github.com/substratehq/substrate/pkg/metrics"
	"github.com/substratehq/substrate/pkg/namespace"
	"github.com/substratehq/substrate/pkg/pool"
	"github.com/substratehq/substrate/pkg/session"
	"github.com/substratehq/substrate/pkg/storage"
	"github.com/substratehq/substrate/pkg/types"
)

// record is the manager's view of one live kernel
type record struct {
	id        string // qualified "<namespace>:<local>"
	ns        string
	mode      types.KernelMode
	language  types.KernelLanguage
	exec      executor.Executor
	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	history      []*types.ExecutionRecord
	monitored    bool
}

// Manager owns the namespaced registry of live kernels. It allocates
// executors through the pre-start pool (cold-starting on a miss), routes
// streaming executions through sessions, and enforces the per-namespace
// kernel cap.
type Manager struct {
	cfg      config.Kernels
	pool     *pool.Pool
	act      *activity.Controller
	sessions *session.Registry
	archive  storage.Store // nil disables the history archive
	factory  pool.Factory

	mu      sync.RWMutex
	kernels map[string]*record
}

// NewManager creates a kernel manager. The pool is wired afterwards with
// SetPool since it needs the manager's factory; archive may be nil.
func NewManager(cfg config.Kernels, p *pool.Pool, act *activity.Controller, archive storage.Store) *Manager {
	m := &Manager{
		cfg:      cfg,
		pool:     p,
		act:      act,
		sessions: session.NewRegistry(),
		archive:  archive,
	}
	m.factory = m.processFactory
	return m
}

// SetPool attaches the warm executor pool. Call before serving requests.
func (m *Manager) SetPool(p *pool.Pool) {
	m.pool = p
}

// Factory returns the executor factory used for cold starts and pool
// refills.
func (m *Manager) Factory() pool.Factory {
	return m.factory
}

// processFactory builds and starts a subprocess executor
func (m *Manager) processFactory(ctx context.Context, mode types.KernelMode, lang types.KernelLanguage) (executor.Executor, error) {
	exec, err := executor.New(executor.Config{
		Mode:                 mode,
		Language:             lang,
		PythonCommand:        m.cfg.PythonCommand,
		NodeCommand:          m.cfg.NodeCommand,
		StartupTimeout:       m.cfg.StartupTimeout,
		InterruptGracePeriod: m.cfg.InterruptGracePeriod,
	})
	if err != nil {
		return nil, err
	}
	if err := exec.Start(ctx); err != nil {
		return nil, err
	}
	return exec, nil
}

// CreateOptions configures kernel creation
type CreateOptions struct {
	ID                       string
	Namespace                string
	Mode                     types.KernelMode
	Language                 types.KernelLanguage
	InactivityTimeout        time.Duration
	EnableActivityMonitoring *bool
}

// CreateKernel allocates a kernel and returns its qualified id. A warm
// executor is taken from the pool when available; otherwise the start is
// synchronous. When the namespace cap is reached the least-recently-active
// idle kernel is evicted; if every kernel in the namespace is busy the
// creation fails with QuotaExceeded.
func (m *Manager) CreateKernel(ctx context.Context, opts CreateOptions) (string, error) {
	if opts.Mode == "" {
		opts.Mode = types.KernelModeWorker
	}
	if opts.Language == "" {
		opts.Language = types.LanguagePython
	}
	if !m.cfg.TypeAllowed(opts.Mode, opts.Language) {
		return "", errdefs.InvalidInput("kernel type %s-%s is not allowed", opts.Mode, opts.Language)
	}

	local := opts.ID
	if local == "" {
		local = uuid.New().String()
	}
	qualified := namespace.Join(opts.Namespace, local)

	m.mu.Lock()
	if _, exists := m.kernels[qualified]; exists {
		m.mu.Unlock()
		return "", errdefs.Conflict("kernel %q already exists", qualified)
	}
	m.mu.Unlock()

	if err := m.enforceNamespaceCap(ctx, opts.Namespace); err != nil {
		return "", err
	}

	var exec executor.Executor
	if m.pool != nil {
		exec = m.pool.Take(opts.Mode, opts.Language)
	}
	if exec == nil {
		var err error
		exec, err = m.Factory()(ctx, opts.Mode, opts.Language)
		if err != nil {
			return "", err
		}
	}

	rec := &record{
		id:           qualified,
		ns:           opts.Namespace,
		mode:         opts.Mode,
		language:     opts.Language,
		exec:         exec,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
	}

	m.mu.Lock()
	if m.kernels == nil {
		m.kernels = make(map[string]*record)
	}
	if _, exists := m.kernels[qualified]; exists {
		m.mu.Unlock()
		exec.Shutdown()
		return "", errdefs.Conflict("kernel %q already exists", qualified)
	}
	m.kernels[qualified] = rec
	m.mu.Unlock()

	monitoring := m.cfg.ActivityMonitoring
	if opts.EnableActivityMonitoring != nil {
		monitoring = *opts.EnableActivityMonitoring
	}
	if monitoring {
		timeout := opts.InactivityTimeout
		if timeout == 0 {
			timeout = m.cfg.InactivityTimeout
		}
		rec.monitored = true
		m.act.Register(qualified, timeout, m.expireKernel)
	}

	metrics.KernelsTotal.WithLabelValues(string(opts.Language), string(types.KernelStatusIdle)).Inc()
	log.WithKernelID(qualified).Info().
		Str("mode", string(opts.Mode)).
		Str("language", string(opts.Language)).
		Msg("kernel created")
	return qualified, nil
}

// expireKernel is the activity-controller callback. Expiry is cooperative:
// a busy kernel is left alone and retried on a later sweep.
func (m *Manager) expireKernel(id string) bool {
	rec := m.get(id)
	if rec == nil {
		return true
	}
	if rec.exec.Status() == types.KernelStatusBusy {
		return false
	}
	log.WithKernelID(id).Info().Msg("kernel expired after inactivity")
	if err := m.destroy(rec); err != nil {
		log.WithKernelID(id).Warn().Err(err).Msg("failed to destroy expired kernel")
	}
	return true
}

// enforceNamespaceCap evicts the least-recently-active idle kernel when the
// namespace is full
func (m *Manager) enforceNamespaceCap(ctx context.Context, ns string) error {
	if m.cfg.MaxPerNamespace <= 0 {
		return nil
	}

	m.mu.RLock()
	var inNS []*record
	for _, rec := range m.kernels {
		if rec.ns == ns {
			inNS = append(inNS, rec)
		}
	}
	m.mu.RUnlock()
	if len(inNS) < m.cfg.MaxPerNamespace {
		return nil
	}

	sort.Slice(inNS, func(i, j int) bool {
		return inNS[i].last().Before(inNS[j].last())
	})
	for _, victim := range inNS {
		if victim.exec.Status() == types.KernelStatusBusy {
			continue
		}
		log.WithNamespace(ns).Info().
			Str("kernel_id", victim.id).
			Msg("evicting kernel for namespace cap")
		if err := m.destroy(victim); err != nil {
			log.WithKernelID(victim.id).Warn().Err(err).Msg("eviction failed")
			continue
		}
		return nil
	}
	return errdefs.QuotaExceeded("namespace %q has %d busy kernels (cap %d)",
		ns, len(inNS), m.cfg.MaxPerNamespace)
}

// resolve returns the record for a caller-scoped reference. Kernel access
// never crosses namespaces.
func (m *Manager) resolve(callerNS, ref string) (*record, error) {
	qualified := namespace.Resolve(callerNS, ref)
	rec := m.get(qualified)
	if rec == nil || rec.ns != callerNS {
		return nil, errdefs.NotFound("kernel %q in namespace %q", ref, callerNS)
	}
	return rec, nil
}

func (m *Manager) get(qualified string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kernels[qualified]
}

func (r *record) last() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

func (r *record) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// DestroyKernel shuts down a kernel, clearing its sessions and history. A
// mid-execution kernel is interrupted first.
func (m *Manager) DestroyKernel(callerNS, ref string) error {
	rec, err := m.resolve(callerNS, ref)
	if err != nil {
		return err
	}
	return m.destroy(rec)
}

func (m *Manager) destroy(rec *record) error {
	m.mu.Lock()
	if _, ok := m.kernels[rec.id]; !ok {
		m.mu.Unlock()
		return errdefs.NotFound("kernel %q", rec.id)
	}
	delete(m.kernels, rec.id)
	m.mu.Unlock()

	if rec.monitored {
		m.act.Unregister(rec.id)
	}

	// Interrupt-then-destroy for busy kernels
	if rec.exec.Status() == types.KernelStatusBusy {
		rec.exec.Interrupt()
	}
	rec.exec.Shutdown()
	m.sessions.ClearKernel(rec.id)

	if m.archive != nil {
		if err := m.archive.DeleteKernel(rec.id); err != nil {
			log.WithKernelID(rec.id).Warn().Err(err).Msg("failed to drop archived history")
		}
	}

	metrics.KernelsTotal.WithLabelValues(string(rec.language), string(types.KernelStatusIdle)).Dec()
	log.WithKernelID(rec.id).Info().Msg("kernel destroyed")
	return nil
}

// ListKernels returns summaries of the caller namespace's kernels
func (m *Manager) ListKernels(callerNS string) []types.KernelSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.KernelSummary
	for _, rec := range m.kernels {
		if rec.ns != callerNS {
			continue
		}
		out = append(out, m.summarize(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) summarize(rec *record) types.KernelSummary {
	return types.KernelSummary{
		ID:           rec.id,
		Namespace:    rec.ns,
		Mode:         rec.mode,
		Language:     rec.language,
		Status:       rec.exec.Status(),
		CreatedAt:    rec.createdAt,
		LastActivity: rec.last(),
	}
}

// GetKernel returns a kernel summary
func (m *Manager) GetKernel(callerNS, ref string) (types.KernelSummary, error) {
	rec, err := m.resolve(callerNS, ref)
	if err != nil {
		return types.KernelSummary{}, err
	}
	return m.summarize(rec), nil
}

// Info is a kernel summary plus its execution history
type Info struct {
	types.KernelSummary
	History []*types.ExecutionRecord `json:"history"`
}

// GetInfo returns kernel details including history. With an archive
// configured, history recorded before the last engine restart is included.
func (m *Manager) GetInfo(callerNS, ref string) (*Info, error) {
	rec, err := m.resolve(callerNS, ref)
	if err != nil {
		return nil, err
	}

	var history []*types.ExecutionRecord
	if m.archive != nil {
		archived, err := m.archive.ListExecutions(rec.id)
		if err != nil {
			log.WithKernelID(rec.id).Warn().Err(err).Msg("failed to read archived history")
		} else {
			rec.mu.Lock()
			live := len(rec.history)
			rec.mu.Unlock()
			if len(archived) > live {
				history = archived[:len(archived)-live]
			}
		}
	}
	rec.mu.Lock()
	history = append(history, rec.history...)
	rec.mu.Unlock()

	return &Info{KernelSummary: m.summarize(rec), History: history}, nil
}

// PingKernel resets the kernel's idle timer. Fails iff the kernel is
// unknown in the caller namespace.
func (m *Manager) PingKernel(callerNS, ref string) error {
	rec, err := m.resolve(callerNS, ref)
	if err != nil {
		return err
	}
	rec.touch()
	if rec.monitored {
		m.act.Ping(rec.id)
	}
	return nil
}

// RestartKernel replaces the executor in place: same id, fresh state, all
// history and session listeners dropped.
func (m *Manager) RestartKernel(ctx context.Context, callerNS, ref string) error {
	rec, err := m.resolve(callerNS, ref)
	if err != nil {
		return err
	}

	if rec.exec.Status() == types.KernelStatusBusy {
		rec.exec.Interrupt()
	}
	rec.exec.Shutdown()
	m.sessions.ClearKernel(rec.id)

	fresh, err := m.Factory()(ctx, rec.mode, rec.language)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	rec.exec = fresh
	rec.history = nil
	rec.lastActivity = time.Now()
	rec.mu.Unlock()

	if m.archive != nil {
		if err := m.archive.DeleteKernel(rec.id); err != nil {
			log.WithKernelID(rec.id).Warn().Err(err).Msg("failed to drop archived history on restart")
		}
	}
	if rec.monitored {
		m.act.Ping(rec.id)
	}
	log.WithKernelID(rec.id).Info().Msg("kernel restarted")
	return nil
}

// InterruptKernel forwards an interrupt to the executor
func (m *Manager) InterruptKernel(callerNS, ref string) error {
	rec, err := m.resolve(callerNS, ref)
	if err != nil {
		return err
	}
	rec.touch()
	return rec.exec.Interrupt()
}

// ExecuteStream runs code on a kernel, multiplexing executor events into a
// new session. The session is registered before the first event so
// subscribers never miss output. On completion the execution is appended to
// the kernel's history (and the archive, when configured).
func (m *Manager) ExecuteStream(ctx context.Context, callerNS, ref, code string) (*session.Session, error) {
	if code == "" {
		return nil, errdefs.InvalidInput("code is required")
	}
	rec, err := m.resolve(callerNS, ref)
	if err != nil {
		return nil, err
	}
	if rec.exec.Status() == types.KernelStatusDead {
		// Replace a dead executor on next use
		if err := m.RestartKernel(ctx, callerNS, ref); err != nil {
			return nil, errdefs.KernelDead("kernel %q is dead and could not be restarted: %v", rec.id, err)
		}
	}

	rec.touch()
	if rec.monitored {
		m.act.Ping(rec.id)
	}

	events, err := rec.exec.Execute(ctx, code)
	if err != nil {
		return nil, err
	}

	sess := session.New(rec.id, code)
	m.sessions.Add(sess)
	started := time.Now()

	go func() {
		for ev := range events {
			sess.Publish(ev)
		}
		// Defensive close in case the executor never produced a terminator
		sess.Close()

		outputs := sess.Outputs()
		outcome := "ok"
		for _, ev := range outputs {
			if ev.Type == types.EventError || ev.Type == types.EventExecuteError {
				outcome = "error"
			}
		}
		execRec := &types.ExecutionRecord{
			SessionID:  sess.ID,
			Code:       code,
			Outputs:    outputs,
			StartedAt:  started,
			FinishedAt: time.Now(),
		}
		rec.mu.Lock()
		rec.history = append(rec.history, execRec)
		rec.lastActivity = time.Now()
		rec.mu.Unlock()
		if rec.monitored {
			m.act.Ping(rec.id)
		}
		if m.archive != nil {
			if err := m.archive.SaveExecution(rec.id, execRec); err != nil {
				log.WithKernelID(rec.id).Warn().Err(err).Msg("failed to archive execution")
			}
		}
		metrics.ExecutionsTotal.WithLabelValues(string(rec.language), outcome).Inc()
		metrics.ExecutionDuration.WithLabelValues(string(rec.language)).
			Observe(time.Since(started).Seconds())
		log.WithSessionID(sess.ID).Debug().
			Str("kernel_id", rec.id).
			Str("outcome", outcome).
			Msg("execution finished")
	}()

	return sess, nil
}

// GetSession returns a session owned by one of the caller's kernels
func (m *Manager) GetSession(callerNS, ref, sessionID string) (*session.Session, error) {
	rec, err := m.resolve(callerNS, ref)
	if err != nil {
		return nil, err
	}
	sess, ok := m.sessions.Get(sessionID)
	if !ok || sess.KernelID != rec.id {
		return nil, errdefs.NotFound("session %q on kernel %q", sessionID, rec.id)
	}
	return sess, nil
}

// Shutdown destroys every kernel. Used on engine shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	kernels := make([]*record, 0, len(m.kernels))
	for _, rec := range m.kernels {
		kernels = append(kernels, rec)
	}
	m.mu.Unlock()

	for _, rec := range kernels {
		if err := m.destroy(rec); err != nil && !errdefs.IsNotFound(err) {
			log.WithKernelID(rec.id).Warn().Err(err).Msg("shutdown destroy failed")
		}
	}
}
