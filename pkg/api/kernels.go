package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/kernel"
	"github.com/substratehq/substrate/pkg/types"
)

func (s *Server) handleListKernels(w http.ResponseWriter, r *http.Request) {
	kernels := s.kernels.ListKernels(namespaceOf(r))
	if kernels == nil {
		kernels = []types.KernelSummary{}
	}
	writeJSON(w, http.StatusOK, kernels)
}

type createKernelRequest struct {
	ID                 string `json:"id,omitempty"`
	Mode               string `json:"mode,omitempty"`
	Language           string `json:"language,omitempty"`
	InactivityTimeout  int64  `json:"inactivityTimeoutMs,omitempty"`
	ActivityMonitoring *bool  `json:"activityMonitoring,omitempty"`
}

func (s *Server) handleCreateKernel(w http.ResponseWriter, r *http.Request) {
	var req createKernelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.kernels.CreateKernel(r.Context(), kernel.CreateOptions{
		ID:                       req.ID,
		Namespace:                namespaceOf(r),
		Mode:                     types.KernelMode(req.Mode),
		Language:                 types.KernelLanguage(req.Language),
		InactivityTimeout:        time.Duration(req.InactivityTimeout) * time.Millisecond,
		EnableActivityMonitoring: req.ActivityMonitoring,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.kernels.GetKernel(namespaceOf(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetKernel(w http.ResponseWriter, r *http.Request) {
	summary, err := s.kernels.GetKernel(namespaceOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDestroyKernel(w http.ResponseWriter, r *http.Request) {
	if err := s.kernels.DestroyKernel(namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleKernelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.kernels.GetInfo(namespaceOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type executeRequest struct {
	Code string `json:"code"`
}

// handleExecute streams one execution as NDJSON: one JSON event per line,
// stream_start first, exactly one terminator last. A client that goes away
// mid-stream interrupts the kernel.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ns := namespaceOf(r)
	id := mux.Vars(r)["id"]

	sess, err := s.kernels.ExecuteStream(r.Context(), ns, id, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	sub := sess.Subscribe()
	defer sess.Unsubscribe(sub)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				s.kernels.InterruptKernel(ns, id)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			s.kernels.InterruptKernel(ns, id)
			return
		}
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	// The handler returns before the execution does; the execution must not
	// inherit the request's cancellation or it would be interrupted the
	// moment the response is written.
	sess, err := s.kernels.ExecuteStream(context.WithoutCancel(r.Context()), namespaceOf(r), mux.Vars(r)["id"], req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID})
}

// handleResult blocks until the session is terminal, then returns the full
// event transcript
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, err := s.kernels.GetSession(namespaceOf(r), vars["id"], vars["sid"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !sess.Wait(r.Context().Done()) {
		writeError(w, errdefs.Timeout("session %q did not complete", sess.ID))
		return
	}
	writeJSON(w, http.StatusOK, sess.Outputs())
}

// handleStream replays and follows a session over SSE
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, err := s.kernels.GetSession(namespaceOf(r), vars["id"], vars["sid"])
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	sub := sess.Subscribe()
	defer sess.Unsubscribe(sub)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
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
			return
		}
	}
}

func (s *Server) handlePingKernel(w http.ResponseWriter, r *http.Request) {
	if err := s.kernels.PingKernel(namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "kernel pinged")
}

func (s *Server) handleRestartKernel(w http.ResponseWriter, r *http.Request) {
	if err := s.kernels.RestartKernel(r.Context(), namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "kernel restarted")
}

func (s *Server) handleInterruptKernel(w http.ResponseWriter, r *http.Request) {
	if err := s.kernels.InterruptKernel(namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "kernel interrupted")
}
