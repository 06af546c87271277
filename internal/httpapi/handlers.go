package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gaspardpetit/oaic/internal/chunk"
	"github.com/gaspardpetit/oaic/internal/metrics"
	"github.com/gaspardpetit/oaic/internal/openai"
	"github.com/gaspardpetit/oaic/internal/provider"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, _ := json.Marshal(struct {
		Status         string `json:"status"`
		Concurrency    int    `json:"concurrency"`
		MaxConcurrency int    `json:"max_concurrency"`
	}{
		Status:         "ok",
		Concurrency:    len(s.slots),
		MaxConcurrency: cap(s.slots),
	})
	writeJSON(w, http.StatusOK, body)
}

type modelWire struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	names := s.rtr.ListAll()
	data := make([]modelWire, 0, len(names))
	now := time.Now().Unix()
	for _, name := range names {
		data = append(data, modelWire{ID: name, Object: "model", Created: now, OwnedBy: "oaic"})
	}
	body, _ := json.Marshal(struct {
		Object string      `json:"object"`
		Data   []modelWire `json:"data"`
	}{Object: "list", Data: data})
	writeJSON(w, http.StatusOK, body)
}

// unknownModel writes the 400 that lists what the modality actually offers.
func unknownModel(w http.ResponseWriter, model string, available []string) {
	msg := fmt.Sprintf("Model '%s' not found. Available models: %s", model, strings.Join(available, ", "))
	writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest(msg))
}

func timeoutBody() []byte {
	return openai.EncodeError("server_error", "Request timeout")
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("failed to read request body"))
		return
	}
	req, err := openai.ParseChatRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("malformed JSON body"))
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("missing 'model' field"))
		return
	}
	if len(req.Messages) == 0 || string(req.Messages) == "null" {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("missing 'messages' field"))
		return
	}
	if !s.rtr.HasChat(req.Model) {
		unknownModel(w, req.Model, s.rtr.ListChat())
		return
	}
	if !s.acquireSlot() {
		writeJSON(w, http.StatusServiceUnavailable, openai.ErrRateLimit())
		return
	}
	defer s.releaseSlot()

	p := provider.New(s.cfg.RequestTimeout)
	if !s.rtr.RouteChat(req, p) {
		writeJSON(w, http.StatusInternalServerError, openai.ErrServer("model dispatch failed"))
		return
	}
	if req.Stream {
		s.streamChat(w, r, p, req.Model)
		return
	}
	s.unaryChat(w, p, req.Model)
}

// unaryChat drains the whole stream and replies with a single completion
// object. Deltas are concatenated so streaming callbacks also serve unary
// clients.
func (s *Server) unaryChat(w http.ResponseWriter, p *provider.Provider, model string) {
	deadline := time.Now().Add(s.cfg.RequestTimeout)
	var text strings.Builder
	got := false
	for {
		c, ok := p.WaitPopFor(time.Until(deadline))
		if !ok {
			if p.IsEnded() {
				break
			}
			if !got {
				metrics.RecordModelRequest(model, false)
				writeJSON(w, http.StatusGatewayTimeout, timeoutBody())
				return
			}
			break
		}
		if c.IsEnd() {
			break
		}
		if c.IsError() {
			metrics.RecordModelRequest(model, false)
			writeJSON(w, http.StatusBadRequest, openai.EncodeErrorChunk(c))
			return
		}
		text.WriteString(c.Text)
		got = true
	}
	metrics.RecordModelRequest(model, true)
	writeJSON(w, http.StatusOK, openai.EncodeChatJSON(chunk.FinalText(text.String(), model)))
}

// streamChat relays chunks as server-sent events. Exactly one [DONE] marker
// terminates the stream on every path except client disconnect.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, p *provider.Provider, model string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	id := openai.NewCompletionID()
	start := time.Now()
	for {
		select {
		case <-r.Context().Done():
			p.Disconnect()
			metrics.RecordModelRequest(model, false)
			return
		default:
		}
		if time.Since(start) > s.cfg.RequestTimeout {
			_, _ = w.Write([]byte(openai.SSEDone))
			flush()
			metrics.RecordModelRequest(model, false)
			return
		}
		if p.IsEnded() {
			_, _ = w.Write([]byte(openai.SSEDone))
			flush()
			metrics.RecordModelRequest(model, true)
			return
		}
		c, ok := p.WaitPopFor(10 * time.Millisecond)
		if !ok {
			continue
		}
		if c.IsEnd() {
			_, _ = w.Write([]byte(openai.SSEDone))
			flush()
			metrics.RecordModelRequest(model, true)
			return
		}
		c.ID = id
		if c.Model == "" {
			c.Model = model
		}
		if b := openai.EncodeChatSSE(c); b != nil {
			_, _ = w.Write(b)
			flush()
		}
		p.ResetTimeout()
	}
}

// waitResult waits for the single result chunk of a non-streaming modality.
// It writes the error response itself and reports delivery.
func (s *Server) waitResult(w http.ResponseWriter, p *provider.Provider, model string) (chunk.Chunk, bool) {
	c, ok := p.WaitPopFor(s.cfg.RequestTimeout)
	if !ok {
		metrics.RecordModelRequest(model, false)
		writeJSON(w, http.StatusGatewayTimeout, timeoutBody())
		return chunk.Chunk{}, false
	}
	if c.IsEnd() {
		metrics.RecordModelRequest(model, false)
		writeJSON(w, http.StatusInternalServerError, openai.ErrServer("model produced no output"))
		return chunk.Chunk{}, false
	}
	if c.IsError() {
		metrics.RecordModelRequest(model, false)
		writeJSON(w, http.StatusBadRequest, openai.EncodeErrorChunk(c))
		return chunk.Chunk{}, false
	}
	metrics.RecordModelRequest(model, true)
	return c, true
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("failed to read request body"))
		return
	}
	req, err := openai.ParseEmbeddingRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("malformed JSON body"))
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("missing 'model' field"))
		return
	}
	if len(req.Inputs) == 0 {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("missing 'input' field"))
		return
	}
	if !s.rtr.HasEmbedding(req.Model) {
		unknownModel(w, req.Model, s.rtr.ListEmbedding())
		return
	}
	if !s.acquireSlot() {
		writeJSON(w, http.StatusServiceUnavailable, openai.ErrRateLimit())
		return
	}
	defer s.releaseSlot()

	p := provider.New(s.cfg.RequestTimeout)
	if !s.rtr.RouteEmbedding(req, p) {
		writeJSON(w, http.StatusInternalServerError, openai.ErrServer("model dispatch failed"))
		return
	}
	c, ok := s.waitResult(w, p, req.Model)
	if !ok {
		return
	}
	if c.Model == "" {
		c.Model = req.Model
	}
	writeJSON(w, http.StatusOK, openai.EncodeEmbeddingsJSON(c))
}

func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("failed to read request body"))
		return
	}
	req, err := openai.ParseASRRequest(body, r.Header.Get("Content-Type"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest(err.Error()))
		return
	}
	if !s.rtr.HasASR(req.Model) {
		unknownModel(w, req.Model, s.rtr.ListASR())
		return
	}
	if !s.acquireSlot() {
		writeJSON(w, http.StatusServiceUnavailable, openai.ErrRateLimit())
		return
	}
	defer s.releaseSlot()

	p := provider.New(s.cfg.RequestTimeout)
	if !s.rtr.RouteASR(req, p) {
		writeJSON(w, http.StatusInternalServerError, openai.ErrServer("model dispatch failed"))
		return
	}
	c, ok := s.waitResult(w, p, req.Model)
	if !ok {
		return
	}
	switch req.ResponseFormat {
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(openai.EncodeASRText(c))
	case "verbose_json":
		writeJSON(w, http.StatusOK, openai.EncodeASRVerboseJSON(c))
	default:
		writeJSON(w, http.StatusOK, openai.EncodeASRJSON(c))
	}
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("failed to read request body"))
		return
	}
	req, err := openai.ParseTTSRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("malformed JSON body"))
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("missing 'model' field"))
		return
	}
	if req.Input == "" {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("missing 'input' field"))
		return
	}
	if !s.rtr.HasTTS(req.Model) {
		unknownModel(w, req.Model, s.rtr.ListTTS())
		return
	}
	if !s.acquireSlot() {
		writeJSON(w, http.StatusServiceUnavailable, openai.ErrRateLimit())
		return
	}
	defer s.releaseSlot()

	p := provider.New(s.cfg.RequestTimeout)
	if !s.rtr.RouteTTS(req, p) {
		writeJSON(w, http.StatusInternalServerError, openai.ErrServer("model dispatch failed"))
		return
	}
	c, ok := s.waitResult(w, p, req.Model)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", openai.AudioMime(c))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(c.Bytes)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("failed to read request body"))
		return
	}
	req, err := openai.ParseImageGenRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("malformed JSON body"))
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, openai.ErrInvalidRequest("missing 'prompt' field"))
		return
	}
	if !s.rtr.HasImageGen(req.Model) {
		unknownModel(w, req.Model, s.rtr.ListImageGen())
		return
	}
	if !s.acquireSlot() {
		writeJSON(w, http.StatusServiceUnavailable, openai.ErrRateLimit())
		return
	}
	defer s.releaseSlot()

	p := provider.New(s.cfg.RequestTimeout)
	if !s.rtr.RouteImageGen(req, p) {
		writeJSON(w, http.StatusInternalServerError, openai.ErrServer("model dispatch failed"))
		return
	}
	c, ok := s.waitResult(w, p, req.Model)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, openai.EncodeImagesJSON(c))
}
