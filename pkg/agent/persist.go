package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/substratehq/substrate/pkg/log"
	"github.com/substratehq/substrate/pkg/metrics"
	"github.com/substratehq/substrate/pkg/namespace"
	"github.com/substratehq/substrate/pkg/types"
)

// publicDir is the on-disk directory name for the public namespace
const publicDir = "_public"

// persistedAgent is the JSON image written per agent. Kernel bindings are
// process-local and are not persisted; a restored agent starts detached.
type persistedAgent struct {
	Config       types.AgentConfig `json:"config"`
	Conversation []types.Message   `json:"conversation,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastActivity time.Time         `json:"lastActivity"`
}

func (m *Manager) agentPath(ag *agent) string {
	dir := ag.ns
	if dir == namespace.Public {
		dir = publicDir
	}
	_, local := namespace.Split(ag.cfg.ID)
	return filepath.Join(m.cfg.DataDirectory, dir, local+".json")
}

// persist writes the agent's JSON image. Directories are created lazily;
// failures are logged and never surface to the caller.
func (m *Manager) persist(ag *agent) {
	if !m.cfg.AutoSaveConversations || m.cfg.DataDirectory == "" {
		return
	}
	ag.mu.Lock()
	img := persistedAgent{
		Config:       ag.cfg,
		Conversation: ag.conversation,
		CreatedAt:    ag.createdAt,
		LastActivity: ag.lastActivity,
	}
	ag.mu.Unlock()

	path := m.agentPath(ag)
	logger := log.WithAgentID(ag.cfg.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.Warn().Err(err).Msg("failed to create agent data directory")
		return
	}
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		logger.Warn().Err(err).Msg("failed to marshal agent")
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logger.Warn().Err(err).Msg("failed to write agent file")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		logger.Warn().Err(err).Msg("failed to commit agent file")
	}
}

// unpersist removes the agent's JSON image
func (m *Manager) unpersist(ag *agent) {
	if !m.cfg.AutoSaveConversations || m.cfg.DataDirectory == "" {
		return
	}
	if err := os.Remove(m.agentPath(ag)); err != nil && !os.IsNotExist(err) {
		log.WithAgentID(ag.cfg.ID).Warn().Err(err).Msg("failed to remove agent file")
	}
}

// loadAll restores persisted agents at startup. Corrupt files are skipped
// with a warning; restored agents come back without kernels.
func (m *Manager) loadAll() {
	logger := log.WithComponent("agent")
	nsDirs, err := os.ReadDir(m.cfg.DataDirectory)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Msg("failed to read agent data directory")
		}
		return
	}

	for _, nsDir := range nsDirs {
		if !nsDir.IsDir() {
			continue
		}
		ns := nsDir.Name()
		if ns == publicDir {
			ns = namespace.Public
		}
		files, err := os.ReadDir(filepath.Join(m.cfg.DataDirectory, nsDir.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("namespace", ns).Msg("failed to read namespace directory")
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
				continue
			}
			path := filepath.Join(m.cfg.DataDirectory, nsDir.Name(), f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable agent file")
				continue
			}
			var img persistedAgent
			if err := json.Unmarshal(data, &img); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("skipping corrupt agent file")
				continue
			}
			ag := &agent{
				cfg:          img.Config,
				ns:           ns,
				conversation: img.Conversation,
				createdAt:    img.CreatedAt,
				lastActivity: img.LastActivity,
			}
			m.agents[ag.cfg.ID] = ag
			metrics.AgentsTotal.Inc()
			log.WithAgentID(ag.cfg.ID).Debug().
				Int("conversation_length", len(ag.conversation)).
				Msg("agent restored")
		}
	}
}
