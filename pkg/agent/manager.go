package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/substratehq/substrate/pkg/config"
	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/kernel"
	"github.com/substratehq/substrate/pkg/log"
	"github.com/substratehq/substrate/pkg/metrics"
	"github.com/substratehq/substrate/pkg/namespace"
	"github.com/substratehq/substrate/pkg/types"
)

// agent is one registered agent. The conversation and kernel binding are
// guarded by mu; a chat turn holds the busy flag, not the lock, so reads
// stay responsive during long tool loops.
type agent struct {
	mu           sync.Mutex
	cfg          types.AgentConfig // cfg.ID is the qualified name
	ns           string
	kernelID     string
	conversation []types.Message
	startupErr   string
	createdAt    time.Time
	lastActivity time.Time
	busy         bool
}

func (a *agent) touch() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

func (a *agent) summary() types.AgentSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return types.AgentSummary{
		ID:                 a.cfg.ID,
		Namespace:          a.ns,
		Name:               a.cfg.Name,
		KernelType:         a.cfg.KernelType,
		KernelID:           a.kernelID,
		ConversationLength: len(a.conversation),
		StartupError:       a.startupErr,
		CreatedAt:          a.createdAt,
		LastActivity:       a.lastActivity,
	}
}

// Manager owns the namespaced agent registry. Agents bind an LLM backend
// to an optional execution kernel; the chat loop lets the model call
// executeCode against that kernel.
type Manager struct {
	cfg     config.Agents
	kernels *kernel.Manager
	factory ClientFactory

	mu     sync.RWMutex
	agents map[string]*agent
}

// NewManager creates an agent manager. A nil factory uses the OpenAI client.
func NewManager(cfg config.Agents, kernels *kernel.Manager, factory ClientFactory) *Manager {
	if factory == nil {
		factory = NewOpenAIClient
	}
	m := &Manager{
		cfg:     cfg,
		kernels: kernels,
		factory: factory,
		agents:  make(map[string]*agent),
	}
	if cfg.AutoSaveConversations && cfg.DataDirectory != "" {
		m.loadAll()
	}
	return m
}

// CreateAgent registers an agent and returns its qualified id. With
// AutoAttachKernel set a kernel is created and the startup script runs on
// it; a failing startup script is recorded on the agent, never fatal.
func (m *Manager) CreateAgent(ctx context.Context, cfg types.AgentConfig) (string, error) {
	if cfg.KernelType == "" {
		cfg.KernelType = types.AgentKernelPython
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	ns := cfg.Namespace
	qualified := namespace.Join(ns, cfg.ID)
	cfg.ID = qualified
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	m.applyModelDefaults(&cfg)

	m.mu.Lock()
	if _, exists := m.agents[qualified]; exists {
		m.mu.Unlock()
		return "", errdefs.Conflict("agent %q already exists", qualified)
	}
	m.mu.Unlock()

	if err := m.enforceNamespaceCap(ns); err != nil {
		return "", err
	}

	ag := &agent{
		cfg:          cfg,
		ns:           ns,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
	}

	if cfg.AutoAttachKernel && cfg.KernelType != types.AgentKernelNone {
		kernelID, startupErr, err := m.startKernel(ctx, ag)
		if err != nil {
			return "", err
		}
		ag.kernelID = kernelID
		ag.startupErr = startupErr
	}

	m.mu.Lock()
	if _, exists := m.agents[qualified]; exists {
		m.mu.Unlock()
		if ag.kernelID != "" {
			m.kernels.DestroyKernel(ns, ag.kernelID)
		}
		return "", errdefs.Conflict("agent %q already exists", qualified)
	}
	m.agents[qualified] = ag
	m.mu.Unlock()

	metrics.AgentsTotal.Inc()
	m.persist(ag)
	log.WithAgentID(qualified).Info().
		Str("kernel_type", string(cfg.KernelType)).
		Bool("auto_attach", cfg.AutoAttachKernel).
		Msg("agent created")
	return qualified, nil
}

// applyModelDefaults fills unset model settings from the engine config
func (m *Manager) applyModelDefaults(cfg *types.AgentConfig) {
	ms := &cfg.ModelSettings
	if ms.BaseURL == "" {
		ms.BaseURL = m.cfg.ModelBaseURL
	}
	if ms.APIKey == "" {
		ms.APIKey = m.cfg.ModelAPIKey
	}
	if ms.Model == "" {
		ms.Model = m.cfg.ModelName
	}
	if ms.Temperature == 0 {
		ms.Temperature = m.cfg.ModelTemperature
	}
}

// enforceNamespaceCap evicts the least-recently-active agent when the
// namespace is full
func (m *Manager) enforceNamespaceCap(ns string) error {
	if m.cfg.MaxAgents <= 0 {
		return nil
	}
	m.mu.RLock()
	var inNS []*agent
	for _, ag := range m.agents {
		if ag.ns == ns {
			inNS = append(inNS, ag)
		}
	}
	m.mu.RUnlock()
	if len(inNS) < m.cfg.MaxAgents {
		return nil
	}

	sort.Slice(inNS, func(i, j int) bool {
		return inNS[i].last().Before(inNS[j].last())
	})
	for _, victim := range inNS {
		victim.mu.Lock()
		busy := victim.busy
		victim.mu.Unlock()
		if busy {
			continue
		}
		log.WithAgentID(victim.cfg.ID).Info().Msg("evicting agent for namespace cap")
		if err := m.destroy(victim); err != nil {
			log.WithAgentID(victim.cfg.ID).Warn().Err(err).Msg("eviction failed")
			continue
		}
		return nil
	}
	return errdefs.QuotaExceeded("namespace %q has %d busy agents (cap %d)", ns, len(inNS), m.cfg.MaxAgents)
}

func (a *agent) last() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

// startKernel creates the agent's kernel and runs the startup script.
// Startup-script failures come back as a recorded message, not an error.
func (m *Manager) startKernel(ctx context.Context, ag *agent) (kernelID, startupErr string, err error) {
	lang := types.KernelLanguage(ag.cfg.KernelType)
	kernelID, err = m.kernels.CreateKernel(ctx, kernel.CreateOptions{
		Namespace: ag.ns,
		Mode:      types.KernelModeWorker,
		Language:  lang,
	})
	if err != nil {
		return "", "", err
	}

	if ag.cfg.StartupScript == "" {
		return kernelID, "", nil
	}
	if runErr := m.runStartupScript(ctx, ag.ns, kernelID, ag.cfg.StartupScript); runErr != nil {
		log.WithAgentID(ag.cfg.ID).Warn().Err(runErr).Msg("startup script failed")
		return kernelID, runErr.Error(), nil
	}
	return kernelID, "", nil
}

func (m *Manager) runStartupScript(ctx context.Context, ns, kernelID, script string) error {
	sess, err := m.kernels.ExecuteStream(ctx, ns, kernelID, script)
	if err != nil {
		return errdefs.StartupScript("%v", err)
	}
	if !sess.Wait(ctx.Done()) {
		return errdefs.StartupScript("startup script interrupted")
	}
	for _, ev := range sess.Outputs() {
		switch ev.Type {
		case types.EventExecuteError:
			return errdefs.StartupScript("%s: %s", ev.Ename, ev.Evalue)
		case types.EventError:
			return errdefs.StartupScript("%s", ev.Message)
		}
	}
	return nil
}

// resolve returns the caller's agent. Agent access never crosses namespaces.
func (m *Manager) resolve(callerNS, ref string) (*agent, error) {
	qualified := namespace.Resolve(callerNS, ref)
	m.mu.RLock()
	ag := m.agents[qualified]
	m.mu.RUnlock()
	if ag == nil || ag.ns != callerNS {
		return nil, errdefs.NotFound("agent %q in namespace %q", ref, callerNS)
	}
	return ag, nil
}

// GetAgent returns an agent summary
func (m *Manager) GetAgent(callerNS, ref string) (types.AgentSummary, error) {
	ag, err := m.resolve(callerNS, ref)
	if err != nil {
		return types.AgentSummary{}, err
	}
	return ag.summary(), nil
}

// ListAgents returns summaries of the caller namespace's agents
func (m *Manager) ListAgents(callerNS string) []types.AgentSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.AgentSummary
	for _, ag := range m.agents {
		if ag.ns == callerNS {
			out = append(out, ag.summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateOptions carries the mutable agent fields. Nil pointers leave the
// current value in place.
type UpdateOptions struct {
	Name          *string
	Instructions  *string
	ModelSettings *types.ModelSettings
	MaxSteps      *int
}

// UpdateAgent edits an agent in place
func (m *Manager) UpdateAgent(callerNS, ref string, opts UpdateOptions) error {
	ag, err := m.resolve(callerNS, ref)
	if err != nil {
		return err
	}
	ag.mu.Lock()
	if opts.Name != nil {
		ag.cfg.Name = *opts.Name
	}
	if opts.Instructions != nil {
		ag.cfg.Instructions = *opts.Instructions
	}
	if opts.ModelSettings != nil {
		ag.cfg.ModelSettings = *opts.ModelSettings
		m.applyModelDefaults(&ag.cfg)
	}
	if opts.MaxSteps != nil {
		ag.cfg.MaxSteps = *opts.MaxSteps
	}
	ag.lastActivity = time.Now()
	ag.mu.Unlock()
	m.persist(ag)
	return nil
}

// AttachKernel creates and binds a kernel to an agent that has none,
// running the startup script on it
func (m *Manager) AttachKernel(ctx context.Context, callerNS, ref string) error {
	ag, err := m.resolve(callerNS, ref)
	if err != nil {
		return err
	}
	ag.mu.Lock()
	if ag.kernelID != "" {
		ag.mu.Unlock()
		return errdefs.Conflict("agent %q already has kernel %q", ag.cfg.ID, ag.kernelID)
	}
	if ag.cfg.KernelType == types.AgentKernelNone {
		ag.mu.Unlock()
		return errdefs.InvalidInput("agent %q has kernel type none", ag.cfg.ID)
	}
	ag.mu.Unlock()

	kernelID, startupErr, err := m.startKernel(ctx, ag)
	if err != nil {
		return err
	}
	ag.mu.Lock()
	ag.kernelID = kernelID
	ag.startupErr = startupErr
	ag.lastActivity = time.Now()
	ag.mu.Unlock()
	return nil
}

// DetachKernel unbinds and destroys the agent's kernel
func (m *Manager) DetachKernel(callerNS, ref string) error {
	ag, err := m.resolve(callerNS, ref)
	if err != nil {
		return err
	}
	ag.mu.Lock()
	kernelID := ag.kernelID
	ag.kernelID = ""
	ag.startupErr = ""
	ag.lastActivity = time.Now()
	ag.mu.Unlock()

	if kernelID == "" {
		return errdefs.NotFound("agent %q has no kernel", ag.cfg.ID)
	}
	if err := m.kernels.DestroyKernel(ag.ns, kernelID); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// GetConversation returns a copy of the stored conversation
func (m *Manager) GetConversation(callerNS, ref string) ([]types.Message, error) {
	ag, err := m.resolve(callerNS, ref)
	if err != nil {
		return nil, err
	}
	ag.mu.Lock()
	defer ag.mu.Unlock()
	out := make([]types.Message, len(ag.conversation))
	copy(out, ag.conversation)
	return out, nil
}

// SetConversation replaces the stored conversation
func (m *Manager) SetConversation(callerNS, ref string, messages []types.Message) error {
	ag, err := m.resolve(callerNS, ref)
	if err != nil {
		return err
	}
	ag.mu.Lock()
	if ag.busy {
		ag.mu.Unlock()
		return errdefs.Conflict("agent %q has a chat in progress", ag.cfg.ID)
	}
	ag.conversation = append([]types.Message(nil), messages...)
	ag.lastActivity = time.Now()
	ag.mu.Unlock()
	m.persist(ag)
	return nil
}

// ClearConversation drops the stored conversation
func (m *Manager) ClearConversation(callerNS, ref string) error {
	return m.SetConversation(callerNS, ref, nil)
}

// DestroyAgent removes an agent, its attached kernel and its persisted state
func (m *Manager) DestroyAgent(callerNS, ref string) error {
	ag, err := m.resolve(callerNS, ref)
	if err != nil {
		return err
	}
	return m.destroy(ag)
}

func (m *Manager) destroy(ag *agent) error {
	m.mu.Lock()
	if _, ok := m.agents[ag.cfg.ID]; !ok {
		m.mu.Unlock()
		return errdefs.NotFound("agent %q", ag.cfg.ID)
	}
	delete(m.agents, ag.cfg.ID)
	m.mu.Unlock()

	ag.mu.Lock()
	kernelID := ag.kernelID
	ag.mu.Unlock()
	if kernelID != "" {
		if err := m.kernels.DestroyKernel(ag.ns, kernelID); err != nil && !errdefs.IsNotFound(err) {
			log.WithAgentID(ag.cfg.ID).Warn().Err(err).Msg("failed to destroy agent kernel")
		}
	}

	m.unpersist(ag)
	metrics.AgentsTotal.Dec()
	log.WithAgentID(ag.cfg.ID).Info().Msg("agent destroyed")
	return nil
}

// Shutdown persists every agent. Kernels are torn down by the kernel
// manager's own shutdown.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ag := range m.agents {
		m.persist(ag)
	}
}
