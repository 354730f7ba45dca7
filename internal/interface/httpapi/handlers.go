package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/mo"

	"github.com/jinford/exam-rag/internal/core/generation"
	"github.com/jinford/exam-rag/internal/core/knowledge"
	"github.com/jinford/exam-rag/internal/core/stream"
	"github.com/jinford/exam-rag/internal/core/style"
)

type generateRequest struct {
	Topics       []string `json:"topics"`
	Difficulty   string   `json:"difficulty"`
	Count        int      `json:"count"`
	ExamFilename string   `json:"exam_filename,omitempty"`
}

func (g generateRequest) toRequest() generation.Request {
	req := generation.Request{
		Topics:     g.Topics,
		Difficulty: generation.Difficulty(g.Difficulty),
		Count:      g.Count,
	}
	if name := strings.TrimSpace(g.ExamFilename); name != "" {
		req.ExamFilename = mo.Some(name)
	}
	return req
}

// handleGenerate は生成イベントを Server-Sent Events として配信する
// クライアントが切断した場合は Emitter を停止し、以降の外部呼び出しを止める
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	em := stream.NewEmitter(s.eventBuffer)
	// 生成の停止は em.Stop() でのみ行う
	runCtx := context.WithoutCancel(r.Context())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.generator.Run(runCtx, body.toRequest(), em); err != nil {
			s.logger.Warn("Generation ended with error", "error", err)
		}
	}()
	defer func() {
		em.Stop()
		<-done
	}()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("Client disconnected, stopping generation")
			return
		case ev, ok := <-em.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Info("Failed to write event, stopping generation", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

type styleProfileResponse struct {
	SourceFilename string                 `json:"source_filename"`
	IsDefault      bool                   `json:"is_default"`
	TopicKeywords  []string               `json:"topic_keywords"`
	Profile        knowledge.StylePayload `json:"profile"`
	UpdatedAt      *time.Time             `json:"updated_at,omitempty"`
}

func toStyleProfileResponse(p *knowledge.StyleProfile) styleProfileResponse {
	resp := styleProfileResponse{
		SourceFilename: p.SourceFilename,
		IsDefault:      p.IsDefault(),
		TopicKeywords:  p.TopicKeywords,
		Profile:        p.Profile,
	}
	if !p.UpdatedAt.IsZero() {
		updated := p.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

func (s *Server) handleGetStyleProfile(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	profile, err := s.styles.Get(r.Context(), mo.Some(filename))
	if err != nil {
		s.respondStoreError(w, "get style profile", err)
		return
	}
	s.respondJSON(w, http.StatusOK, toStyleProfileResponse(profile))
}

type extractStyleRequest struct {
	Keywords []string `json:"keywords"`
}

func (s *Server) handleExtractStyleProfile(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	var body extractStyleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	profile, err := s.styles.Extract(r.Context(), filename, body.Keywords)
	if err != nil {
		s.respondStoreError(w, "extract style profile", err)
		return
	}
	s.respondJSON(w, http.StatusOK, toStyleProfileResponse(profile))
}

type topicResponse struct {
	Name           string `json:"name"`
	SourceFilename string `json:"source_filename"`
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	filter := mo.None[string]()
	if name := strings.TrimSpace(r.URL.Query().Get("file")); name != "" {
		filter = mo.Some(name)
	}

	topics, err := s.topics.List(r.Context(), filter)
	if err != nil {
		s.respondStoreError(w, "list topics", err)
		return
	}

	resp := make([]topicResponse, 0, len(topics))
	for _, t := range topics {
		resp = append(resp, topicResponse{Name: t.Name, SourceFilename: t.SourceFilename})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"topics": resp})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	res, err := s.files.DeleteFile(r.Context(), filename)
	if err != nil {
		s.respondStoreError(w, "delete file", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"filename":       filename,
		"chunks":         res.Chunks,
		"topics":         res.Topics,
		"style_profiles": res.StyleProfiles,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondStoreError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, knowledge.ErrNotFound), errors.Is(err, style.ErrNoExamPaper):
		status = http.StatusNotFound
	case errors.Is(err, knowledge.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	s.logger.Error("Request failed", "operation", op, "error", err)
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
