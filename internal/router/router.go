// Package router maps model names to callbacks across the five supported
// modalities and dispatches requests onto fresh goroutines.
package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gaspardpetit/oaic/core/logx"
	"github.com/gaspardpetit/oaic/internal/chunk"
	"github.com/gaspardpetit/oaic/internal/openai"
	"github.com/gaspardpetit/oaic/internal/provider"
)

// Callback signatures per modality. A callback pushes chunks into the
// provider and calls End when done; it runs on its own goroutine.
type (
	ChatCallback      func(openai.ChatRequest, *provider.Provider)
	EmbeddingCallback func(openai.EmbeddingRequest, *provider.Provider)
	ASRCallback       func(openai.ASRRequest, *provider.Provider)
	TTSCallback       func(openai.TTSRequest, *provider.Provider)
	ImageGenCallback  func(openai.ImageGenRequest, *provider.Provider)
)

// Router is the name→callback registry. Registration happens at startup or
// on worker connect; lookups happen per request, so locking is read-biased.
type Router struct {
	mu       sync.RWMutex
	chat     map[string]ChatCallback
	embed    map[string]EmbeddingCallback
	asr      map[string]ASRCallback
	tts      map[string]TTSCallback
	imageGen map[string]ImageGenCallback
}

// New returns an empty router.
func New() *Router {
	return &Router{
		chat:     map[string]ChatCallback{},
		embed:    map[string]EmbeddingCallback{},
		asr:      map[string]ASRCallback{},
		tts:      map[string]TTSCallback{},
		imageGen: map[string]ImageGenCallback{},
	}
}

func (r *Router) RegisterChat(name string, cb ChatCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[name] = cb
}

func (r *Router) RegisterEmbedding(name string, cb EmbeddingCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embed[name] = cb
}

func (r *Router) RegisterASR(name string, cb ASRCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = cb
}

func (r *Router) RegisterTTS(name string, cb TTSCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = cb
}

func (r *Router) RegisterImageGen(name string, cb ImageGenCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imageGen[name] = cb
}

func (r *Router) HasChat(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chat[name]
	return ok
}

func (r *Router) HasEmbedding(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.embed[name]
	return ok
}

func (r *Router) HasASR(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.asr[name]
	return ok
}

func (r *Router) HasTTS(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tts[name]
	return ok
}

func (r *Router) HasImageGen(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.imageGen[name]
	return ok
}

// Has reports whether name is registered under any modality.
func (r *Router) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, c := r.chat[name]
	_, e := r.embed[name]
	_, a := r.asr[name]
	_, t := r.tts[name]
	_, i := r.imageGen[name]
	return c || e || a || t || i
}

func (r *Router) ListChat() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.chat)
}

func (r *Router) ListEmbedding() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.embed)
}

func (r *Router) ListASR() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.asr)
}

func (r *Router) ListTTS() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.tts)
}

func (r *Router) ListImageGen() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.imageGen)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListAll returns the deduplicated, sorted union of every registered name.
func (r *Router) ListAll() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for name := range r.chat {
		seen[name] = true
	}
	for name := range r.embed {
		seen[name] = true
	}
	for name := range r.asr {
		seen[name] = true
	}
	for name := range r.tts {
		seen[name] = true
	}
	for name := range r.imageGen {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes name from every modality. No-op for absent names.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chat, name)
	delete(r.embed, name)
	delete(r.asr, name)
	delete(r.tts, name)
	delete(r.imageGen, name)
}

// RouteChat dispatches req to the chat callback registered under its model.
// It returns false when no callback exists; the HTTP handler never blocks on
// model execution.
func (r *Router) RouteChat(req openai.ChatRequest, p *provider.Provider) bool {
	r.mu.RLock()
	cb, ok := r.chat[req.Model]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	go dispatch(req.Model, p, func() { cb(req, p) })
	return true
}

func (r *Router) RouteEmbedding(req openai.EmbeddingRequest, p *provider.Provider) bool {
	r.mu.RLock()
	cb, ok := r.embed[req.Model]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	go dispatch(req.Model, p, func() { cb(req, p) })
	return true
}

func (r *Router) RouteASR(req openai.ASRRequest, p *provider.Provider) bool {
	r.mu.RLock()
	cb, ok := r.asr[req.Model]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	go dispatch(req.Model, p, func() { cb(req, p) })
	return true
}

func (r *Router) RouteTTS(req openai.TTSRequest, p *provider.Provider) bool {
	r.mu.RLock()
	cb, ok := r.tts[req.Model]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	go dispatch(req.Model, p, func() { cb(req, p) })
	return true
}

func (r *Router) RouteImageGen(req openai.ImageGenRequest, p *provider.Provider) bool {
	r.mu.RLock()
	cb, ok := r.imageGen[req.Model]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	go dispatch(req.Model, p, func() { cb(req, p) })
	return true
}

// dispatch runs a callback and converts a panic into an error event so a
// misbehaving model implementation never takes the process down.
func dispatch(model string, p *provider.Provider, run func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logx.Log.Error().Str("model", model).Interface("panic", rec).Msg("model callback panicked")
			p.Push(chunk.Error("model_error", fmt.Sprint(rec)))
			p.End()
		}
	}()
	run()
}

