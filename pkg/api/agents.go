package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/substratehq/substrate/pkg/agent"
	"github.com/substratehq/substrate/pkg/types"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.agents.ListAgents(namespaceOf(r))
	if agents == nil {
		agents = []types.AgentSummary{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var cfg types.AgentConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if cfg.Namespace == "" {
		cfg.Namespace = namespaceOf(r)
	}
	id, err := s.agents.CreateAgent(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.agents.GetAgent(cfg.Namespace, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	summary, err := s.agents.GetAgent(namespaceOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type updateAgentRequest struct {
	Name          *string              `json:"name,omitempty"`
	Instructions  *string              `json:"instructions,omitempty"`
	ModelSettings *types.ModelSettings `json:"modelSettings,omitempty"`
	MaxSteps      *int                 `json:"maxSteps,omitempty"`
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req updateAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := s.agents.UpdateAgent(namespaceOf(r), mux.Vars(r)["id"], agent.UpdateOptions{
		Name:          req.Name,
		Instructions:  req.Instructions,
		ModelSettings: req.ModelSettings,
		MaxSteps:      req.MaxSteps,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "agent updated")
}

func (s *Server) handleDestroyAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.DestroyAgent(namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type chatRequest struct {
	Message string          `json:"message"`
	History []types.Message `json:"history,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	chunks, err := s.agents.Chat(r.Context(), namespaceOf(r), mux.Vars(r)["id"], req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	streamChat(w, r, chunks)
}

func (s *Server) handleChatStateless(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	chunks, err := s.agents.ChatStateless(r.Context(), namespaceOf(r), mux.Vars(r)["id"], req.History, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	streamChat(w, r, chunks)
}

// streamChat forwards chat chunks over SSE until the terminal chunk
func streamChat(w http.ResponseWriter, r *http.Request, chunks <-chan types.ChatChunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				return
			}
			if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			// Drain so the chat goroutine can finish and persist
			go func() {
				for range chunks {
				}
			}()
			return
		}
	}
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.agents.GetConversation(namespaceOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if conv == nil {
		conv = []types.Message{}
	}
	writeJSON(w, http.StatusOK, conv)
}

type setConversationRequest struct {
	Messages []types.Message `json:"messages"`
}

func (s *Server) handleSetConversation(w http.ResponseWriter, r *http.Request) {
	var req setConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.agents.SetConversation(namespaceOf(r), mux.Vars(r)["id"], req.Messages); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "conversation replaced")
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.ClearConversation(namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "conversation cleared")
}

func (s *Server) handleAttachKernel(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.AttachKernel(r.Context(), namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "kernel attached")
}

func (s *Server) handleDetachKernel(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.DetachKernel(namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "kernel detached")
}
