package vectordb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/substratehq/substrate/pkg/activity"
	"github.com/substratehq/substrate/pkg/config"
	"github.com/substratehq/substrate/pkg/embedding"
	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/log"
	"github.com/substratehq/substrate/pkg/metrics"
	"github.com/substratehq/substrate/pkg/namespace"
	"github.com/substratehq/substrate/pkg/offload"
	"github.com/substratehq/substrate/pkg/types"
	"github.com/substratehq/substrate/pkg/vector"
)

// accessLevel orders the cross-namespace permission checks
type accessLevel int

const (
	accessRead accessLevel = iota
	accessAdd
	accessWrite
)

// instance is one live (in-memory) index. mu fences offload against
// in-flight operations: document and query operations hold it shared,
// offload and destroy hold it exclusive, so a snapshot can never race a
// mutation. gone marks an instance that left memory; holders of a stale
// pointer re-acquire instead of touching the orphaned index.
type instance struct {
	id         string // qualified "<namespace>:<local>"
	ns         string
	permission types.Permission
	index      *vector.Index
	createdAt  time.Time

	mu        sync.RWMutex
	provider  string
	monitored bool
	gone      bool
}

// Manager owns the namespaced vector index registry: live indices in
// memory, idle ones offloaded to disk through the offload store and
// resumed transparently on next access.
type Manager struct {
	cfg       config.VectorDB
	store     *offload.Store
	act       *activity.Controller
	providers *embedding.Registry

	mu        sync.RWMutex
	instances map[string]*instance
	loading   map[string]chan struct{} // single-flight resume gate
}

// NewManager creates a vector DB manager and wires the provider-reference
// check into the embedding registry.
func NewManager(cfg config.VectorDB, store *offload.Store, act *activity.Controller, providers *embedding.Registry) *Manager {
	m := &Manager{
		cfg:       cfg,
		store:     store,
		act:       act,
		providers: providers,
		instances: make(map[string]*instance),
		loading:   make(map[string]chan struct{}),
	}
	providers.SetReferenceChecker(m.providerReferenced)

	if metas, err := store.List(""); err == nil {
		metrics.IndicesOffloaded.Set(float64(len(metas)))
	}
	return m
}

// providerReferenced reports whether any live or offloaded index is bound
// to the named provider
func (m *Manager) providerReferenced(name string) bool {
	m.mu.RLock()
	live := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		live = append(live, inst)
	}
	m.mu.RUnlock()
	for _, inst := range live {
		inst.mu.RLock()
		bound := !inst.gone && inst.provider == name
		inst.mu.RUnlock()
		if bound {
			return true
		}
	}

	metas, err := m.store.List("")
	if err != nil {
		// Unreadable offload directory: be conservative
		return true
	}
	for _, meta := range metas {
		if meta.EmbeddingProvider == name {
			return true
		}
	}
	return false
}

// CreateOptions configures index creation
type CreateOptions struct {
	ID                string
	Namespace         string
	Permission        types.Permission
	Provider          string
	InactivityTimeout time.Duration
	Monitoring        *bool
	Resume            bool
}

// CreateIndex creates a live index and returns its qualified id. With
// Resume set, an offloaded image of the same id is loaded back instead;
// creating over an existing offload without Resume is a conflict, never an
// overwrite.
func (m *Manager) CreateIndex(opts CreateOptions) (string, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Permission == "" {
		opts.Permission = types.PermissionPrivate
	}
	if !types.ValidPermission(opts.Permission) {
		return "", errdefs.InvalidInput("unknown permission %q", opts.Permission)
	}
	provider := opts.Provider
	if provider == "" {
		provider = m.cfg.DefaultProvider
	}
	if _, err := m.providers.Get(provider); err != nil {
		return "", err
	}
	qualified := namespace.Join(opts.Namespace, opts.ID)

	if opts.Resume {
		inst, err := m.resume(qualified)
		if err != nil {
			return "", err
		}
		return inst.id, nil
	}

	m.mu.Lock()
	if _, exists := m.instances[qualified]; exists {
		m.mu.Unlock()
		return "", errdefs.Conflict("index %q already exists", qualified)
	}
	if m.store.Exists(qualified) {
		m.mu.Unlock()
		return "", errdefs.Conflict("index %q exists offloaded; create with resume to load it", qualified)
	}
	if err := m.checkQuotaLocked(); err != nil {
		m.mu.Unlock()
		return "", err
	}
	inst := &instance{
		id:         qualified,
		ns:         opts.Namespace,
		permission: opts.Permission,
		provider:   provider,
		index:      vector.New(0),
		createdAt:  time.Now(),
	}
	m.instances[qualified] = inst
	m.mu.Unlock()

	m.register(inst, opts.InactivityTimeout, opts.Monitoring)
	metrics.IndicesLive.Inc()
	log.WithIndexID(qualified).Info().
		Str("permission", string(opts.Permission)).
		Str("provider", provider).
		Msg("index created")
	return qualified, nil
}

func (m *Manager) checkQuotaLocked() error {
	if m.cfg.MaxInstances > 0 && len(m.instances) >= m.cfg.MaxInstances {
		return errdefs.QuotaExceeded("live index limit %d reached", m.cfg.MaxInstances)
	}
	return nil
}

func (m *Manager) register(inst *instance, timeout time.Duration, monitoring *bool) {
	enabled := m.cfg.ActivityMonitoring
	if monitoring != nil {
		enabled = *monitoring
	}
	if !enabled {
		return
	}
	if timeout == 0 {
		timeout = m.cfg.InactivityTimeout
	}
	inst.mu.Lock()
	inst.monitored = true
	inst.mu.Unlock()
	m.act.Register(inst.id, timeout, m.expireIndex)
}

// expireIndex offloads an idle index. Expiry is cooperative: an index with
// an operation in flight is left alone and retried on a later sweep, and
// save failures leave the index live.
func (m *Manager) expireIndex(id string) bool {
	m.mu.RLock()
	inst := m.instances[id]
	m.mu.RUnlock()
	if inst == nil {
		return true
	}
	if !inst.mu.TryLock() {
		return false
	}
	defer inst.mu.Unlock()
	if inst.gone {
		return true
	}
	if err := m.offloadLocked(inst, "idle"); err != nil {
		log.WithIndexID(id).Warn().Err(err).Msg("idle offload failed")
		return false
	}
	return true
}

// offloadLocked snapshots the index to disk and drops it from memory. The
// caller holds inst.mu exclusively, so no add or query is in flight.
func (m *Manager) offloadLocked(inst *instance, trigger string) error {
	docs, vectors := inst.index.Snapshot()
	snap := &types.IndexSnapshot{
		Metadata: types.IndexMetadata{
			Format:             types.OffloadFormatBinaryV1,
			DocumentCount:      len(docs),
			EmbeddingDimension: inst.index.Dimension(),
			CreatedAt:          inst.createdAt,
			OffloadedAt:        time.Now(),
			Namespace:          inst.ns,
			Permission:         inst.permission,
			EmbeddingProvider:  inst.provider,
		},
		Documents: docs,
		Vectors:   vectors,
	}
	if err := m.store.Save(inst.id, snap); err != nil {
		return err
	}

	inst.gone = true
	m.mu.Lock()
	delete(m.instances, inst.id)
	m.mu.Unlock()

	metrics.IndicesLive.Dec()
	metrics.IndicesOffloaded.Inc()
	metrics.OffloadsTotal.WithLabelValues(trigger).Inc()
	log.WithIndexID(inst.id).Info().
		Str("trigger", trigger).
		Int("documents", len(docs)).
		Msg("index offloaded")
	return nil
}

// resume loads an offloaded index back into memory. Concurrent resumes of
// the same index collapse into a single disk load.
func (m *Manager) resume(qualified string) (*instance, error) {
	for {
		m.mu.Lock()
		if inst, ok := m.instances[qualified]; ok {
			m.mu.Unlock()
			return inst, nil
		}
		if ch, inflight := m.loading[qualified]; inflight {
			m.mu.Unlock()
			<-ch
			continue
		}
		if err := m.checkQuotaLocked(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		ch := make(chan struct{})
		m.loading[qualified] = ch
		m.mu.Unlock()

		inst, err := m.load(qualified)

		m.mu.Lock()
		delete(m.loading, qualified)
		if err == nil {
			m.instances[qualified] = inst
		}
		m.mu.Unlock()
		close(ch)

		if err != nil {
			return nil, err
		}
		m.register(inst, 0, nil)
		metrics.IndicesLive.Inc()
		metrics.IndicesOffloaded.Dec()
		metrics.ResumesTotal.Inc()
		log.WithIndexID(qualified).Info().Msg("index resumed")
		return inst, nil
	}
}

func (m *Manager) load(qualified string) (*instance, error) {
	snap, err := m.store.Load(qualified)
	if err != nil {
		return nil, err
	}
	ix, err := vector.Restore(snap.Metadata.EmbeddingDimension, snap.Documents, snap.Vectors)
	if err != nil {
		return nil, err
	}
	ns, _ := namespace.Split(qualified)
	return &instance{
		id:         qualified,
		ns:         ns,
		permission: snap.Metadata.Permission,
		provider:   snap.Metadata.EmbeddingProvider,
		index:      ix,
		createdAt:  snap.Metadata.CreatedAt,
	}, nil
}

// acquire resolves a reference to a live instance, resuming it from disk
// when offloaded, and enforces the cross-namespace permission.
func (m *Manager) acquire(callerNS, ref string, level accessLevel) (*instance, error) {
	qualified := namespace.Resolve(callerNS, ref)

	m.mu.RLock()
	inst := m.instances[qualified]
	m.mu.RUnlock()

	if inst == nil {
		if !m.store.Exists(qualified) {
			return nil, errdefs.NotFound("index %q", qualified)
		}
		var err error
		inst, err = m.resume(qualified)
		if err != nil {
			return nil, err
		}
	}

	if err := authorize(callerNS, inst.ns, inst.permission, level); err != nil {
		return nil, err
	}
	inst.mu.RLock()
	monitored := inst.monitored
	inst.mu.RUnlock()
	if monitored {
		m.act.Ping(inst.id)
	}
	return inst, nil
}

// withInstance runs fn on a live instance under its shared lock, so an
// offload cannot snapshot the index while fn is mid-operation. An instance
// offloaded between acquire and lock is re-acquired, which resumes it.
func (m *Manager) withInstance(callerNS, ref string, level accessLevel, fn func(inst *instance) error) error {
	for {
		inst, err := m.acquire(callerNS, ref, level)
		if err != nil {
			return err
		}
		inst.mu.RLock()
		if inst.gone {
			inst.mu.RUnlock()
			continue
		}
		err = fn(inst)
		inst.mu.RUnlock()
		return err
	}
}

// authorize applies the cross-namespace permission table. Owners pass
// every check.
func authorize(callerNS, ownerNS string, perm types.Permission, level accessLevel) error {
	if callerNS == ownerNS {
		return nil
	}
	switch perm {
	case types.PermissionPublicReadWrite:
		return nil
	case types.PermissionPublicReadAdd:
		if level <= accessAdd {
			return nil
		}
	case types.PermissionPublicRead:
		if level == accessRead {
			return nil
		}
	}
	return errdefs.PermissionDenied("namespace %q may not access index in namespace %q", callerNS, ownerNS)
}

// AddDocuments inserts documents, embedding any that carry text without a
// vector through the index's bound provider.
func (m *Manager) AddDocuments(ctx context.Context, callerNS, ref string, docs []types.Document) (int, error) {
	if len(docs) == 0 {
		return 0, errdefs.InvalidInput("documents are required")
	}
	var added int
	err := m.withInstance(callerNS, ref, accessAdd, func(inst *instance) error {
		var provider embedding.Provider
		resolved := make([]types.Document, 0, len(docs))
		for _, doc := range docs {
			if len(doc.Vector) == 0 {
				if doc.Text == "" {
					return errdefs.InvalidInput("document %q has neither text nor vector", doc.ID)
				}
				if provider == nil {
					var err error
					provider, err = m.providers.Get(inst.provider)
					if err != nil {
						return err
					}
				}
				vec, err := provider.Embed(ctx, doc.Text)
				if err != nil {
					return err
				}
				doc.Vector = vec
			}
			resolved = append(resolved, doc)
		}
		if err := inst.index.Add(resolved); err != nil {
			return err
		}
		added = len(resolved)
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.DocumentsAddedTotal.Add(float64(added))
	return added, nil
}

// QueryRequest is a similarity query. Exactly one of Text or Vector must
// be set; text is embedded through the index's bound provider. A nil
// Threshold keeps every match.
type QueryRequest struct {
	Text            string
	Vector          []float32
	K               int
	Threshold       *float64
	IncludeMetadata bool
}

// Query runs a similarity search against an index
func (m *Manager) Query(ctx context.Context, callerNS, ref string, req QueryRequest) ([]types.QueryResult, error) {
	if req.Text == "" && len(req.Vector) == 0 {
		return nil, errdefs.InvalidInput("query text or vector is required")
	}
	var results []types.QueryResult
	err := m.withInstance(callerNS, ref, accessRead, func(inst *instance) error {
		query := req.Vector
		if len(query) == 0 {
			provider, err := m.providers.Get(inst.provider)
			if err != nil {
				return err
			}
			query, err = provider.Embed(ctx, req.Text)
			if err != nil {
				return err
			}
		}
		var err error
		results, err = inst.index.Query(query, vector.QueryOptions{
			K:               req.K,
			Threshold:       req.Threshold,
			IncludeMetadata: req.IncludeMetadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.QueriesTotal.Inc()
	return results, nil
}

// RemoveDocuments deletes documents by id. Unknown ids are skipped.
func (m *Manager) RemoveDocuments(callerNS, ref string, ids []string) error {
	if len(ids) == 0 {
		return errdefs.InvalidInput("document ids are required")
	}
	return m.withInstance(callerNS, ref, accessWrite, func(inst *instance) error {
		inst.index.Remove(ids)
		return nil
	})
}

// DestroyIndex removes an index entirely: the live instance and any
// offloaded files.
func (m *Manager) DestroyIndex(callerNS, ref string) error {
	qualified := namespace.Resolve(callerNS, ref)

	m.mu.RLock()
	inst := m.instances[qualified]
	m.mu.RUnlock()

	if inst != nil {
		if err := authorize(callerNS, inst.ns, inst.permission, accessWrite); err != nil {
			return err
		}
		inst.mu.Lock()
		if inst.gone {
			// Offloaded under us; fall through to the on-disk path
			inst.mu.Unlock()
			inst = nil
		} else {
			inst.gone = true
			m.mu.Lock()
			delete(m.instances, qualified)
			m.mu.Unlock()
			monitored := inst.monitored
			inst.monitored = false
			inst.mu.Unlock()
			if monitored {
				m.act.Unregister(qualified)
			}
			metrics.IndicesLive.Dec()
		}
	}

	if m.store.Exists(qualified) {
		if inst == nil {
			// Offloaded only: authorize against the stored metadata
			snap, err := m.store.Load(qualified)
			if err != nil {
				return err
			}
			if err := authorize(callerNS, snap.Metadata.Namespace, snap.Metadata.Permission, accessWrite); err != nil {
				return err
			}
		}
		if err := m.store.Delete(qualified); err != nil {
			return err
		}
		metrics.IndicesOffloaded.Dec()
	} else if inst == nil {
		return errdefs.NotFound("index %q", qualified)
	}

	log.WithIndexID(qualified).Info().Msg("index destroyed")
	return nil
}

// PingIndex resets the index's idle clock, resuming it if offloaded
func (m *Manager) PingIndex(callerNS, ref string) error {
	_, err := m.acquire(callerNS, ref, accessWrite)
	return err
}

// SetInactivityTimeout updates the idle-offload timeout of a live index
func (m *Manager) SetInactivityTimeout(callerNS, ref string, timeout time.Duration) error {
	inst, err := m.acquire(callerNS, ref, accessWrite)
	if err != nil {
		return err
	}
	inst.mu.RLock()
	monitored := inst.monitored
	inst.mu.RUnlock()
	if !monitored {
		return errdefs.InvalidInput("index %q is not activity-monitored", inst.id)
	}
	return m.act.SetTimeout(inst.id, timeout)
}

// Offload forces an immediate offload of a live index. It waits for
// in-flight operations to drain first.
func (m *Manager) Offload(callerNS, ref string) error {
	inst, err := m.acquire(callerNS, ref, accessWrite)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.gone {
		return nil
	}
	if inst.monitored {
		m.act.Unregister(inst.id)
		inst.monitored = false
	}
	return m.offloadLocked(inst, "manual")
}

// IndexInfo is the client-visible state of an index
type IndexInfo struct {
	ID                string             `json:"id"`
	Namespace         string             `json:"namespace,omitempty"`
	State             types.OffloadState `json:"state"`
	DocumentCount     int                `json:"documentCount"`
	Dimension         int                `json:"dimension"`
	Permission        types.Permission   `json:"permission"`
	EmbeddingProvider string             `json:"embeddingProvider,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	OffloadedAt       *time.Time         `json:"offloadedAt,omitempty"`
}

// GetInfo describes an index without resuming it
func (m *Manager) GetInfo(callerNS, ref string) (*IndexInfo, error) {
	qualified := namespace.Resolve(callerNS, ref)

	m.mu.RLock()
	inst := m.instances[qualified]
	m.mu.RUnlock()

	if inst != nil {
		if err := authorize(callerNS, inst.ns, inst.permission, accessRead); err != nil {
			return nil, err
		}
		inst.mu.RLock()
		gone := inst.gone
		provider := inst.provider
		inst.mu.RUnlock()
		if !gone {
			return &IndexInfo{
				ID:                inst.id,
				Namespace:         inst.ns,
				State:             types.OffloadStateLive,
				DocumentCount:     inst.index.Count(),
				Dimension:         inst.index.Dimension(),
				Permission:        inst.permission,
				EmbeddingProvider: provider,
				CreatedAt:         inst.createdAt,
			}, nil
		}
		// Offloaded under us; report the on-disk state instead
	}

	metas, err := m.store.List("")
	if err != nil {
		return nil, err
	}
	meta, ok := metas[qualified]
	if !ok {
		return nil, errdefs.NotFound("index %q", qualified)
	}
	if err := authorize(callerNS, meta.Namespace, meta.Permission, accessRead); err != nil {
		return nil, err
	}
	offloadedAt := meta.OffloadedAt
	return &IndexInfo{
		ID:                qualified,
		Namespace:         meta.Namespace,
		State:             types.OffloadStateOffloaded,
		DocumentCount:     meta.DocumentCount,
		Dimension:         meta.EmbeddingDimension,
		Permission:        meta.Permission,
		EmbeddingProvider: meta.EmbeddingProvider,
		CreatedAt:         meta.CreatedAt,
		OffloadedAt:       &offloadedAt,
	}, nil
}

// ListIndices returns the caller namespace's indices, live and offloaded
func (m *Manager) ListIndices(callerNS string) ([]IndexInfo, error) {
	var out []IndexInfo

	m.mu.RLock()
	live := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if inst.ns == callerNS {
			live = append(live, inst)
		}
	}
	m.mu.RUnlock()

	for _, inst := range live {
		inst.mu.RLock()
		gone := inst.gone
		provider := inst.provider
		inst.mu.RUnlock()
		if gone {
			continue // now in the offloaded listing instead
		}
		out = append(out, IndexInfo{
			ID:                inst.id,
			Namespace:         inst.ns,
			State:             types.OffloadStateLive,
			DocumentCount:     inst.index.Count(),
			Dimension:         inst.index.Dimension(),
			Permission:        inst.permission,
			EmbeddingProvider: provider,
			CreatedAt:         inst.createdAt,
		})
	}

	metas, err := m.store.List(callerNS)
	if err != nil {
		return nil, err
	}
	for id, meta := range metas {
		offloadedAt := meta.OffloadedAt
		out = append(out, IndexInfo{
			ID:                id,
			Namespace:         meta.Namespace,
			State:             types.OffloadStateOffloaded,
			DocumentCount:     meta.DocumentCount,
			Dimension:         meta.EmbeddingDimension,
			Permission:        meta.Permission,
			EmbeddingProvider: meta.EmbeddingProvider,
			CreatedAt:         meta.CreatedAt,
			OffloadedAt:       &offloadedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListOffloaded returns the caller namespace's offloaded indices only
func (m *Manager) ListOffloaded(callerNS string) (map[string]types.IndexMetadata, error) {
	return m.store.List(callerNS)
}

// DeleteOffloaded removes an offloaded index's files without resuming it.
// Fails when the index is live.
func (m *Manager) DeleteOffloaded(callerNS, ref string) error {
	qualified := namespace.Resolve(callerNS, ref)

	m.mu.RLock()
	_, live := m.instances[qualified]
	m.mu.RUnlock()
	if live {
		return errdefs.Conflict("index %q is live; destroy it instead", qualified)
	}

	metas, err := m.store.List("")
	if err != nil {
		return err
	}
	meta, ok := metas[qualified]
	if !ok {
		return errdefs.NotFound("offloaded index %q", qualified)
	}
	if err := authorize(callerNS, meta.Namespace, meta.Permission, accessWrite); err != nil {
		return err
	}
	if err := m.store.Delete(qualified); err != nil {
		return err
	}
	metrics.IndicesOffloaded.Dec()
	return nil
}

// ChangeProvider rebinds an index to a different embedding provider. The
// new provider's dimension must match the index dimension unless the index
// is still empty.
func (m *Manager) ChangeProvider(callerNS, ref, providerName string) error {
	p, err := m.providers.Get(providerName)
	if err != nil {
		return err
	}
	for {
		inst, err := m.acquire(callerNS, ref, accessWrite)
		if err != nil {
			return err
		}
		inst.mu.Lock()
		if inst.gone {
			inst.mu.Unlock()
			continue
		}
		if dim := inst.index.Dimension(); dim != 0 && p.Dimension() != dim {
			inst.mu.Unlock()
			return errdefs.InvalidInput("provider %q dimension %d does not match index dimension %d",
				providerName, p.Dimension(), dim)
		}
		inst.provider = providerName
		inst.mu.Unlock()
		return nil
	}
}

// Shutdown offloads every live index so state survives the process
func (m *Manager) Shutdown() {
	m.mu.RLock()
	live := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		live = append(live, inst)
	}
	m.mu.RUnlock()

	for _, inst := range live {
		inst.mu.Lock()
		if inst.gone {
			inst.mu.Unlock()
			continue
		}
		if inst.monitored {
			m.act.Unregister(inst.id)
			inst.monitored = false
		}
		err := m.offloadLocked(inst, "shutdown")
		inst.mu.Unlock()
		if err != nil {
			log.WithIndexID(inst.id).Error().Err(err).Msg("shutdown offload failed")
		}
	}
}
