package router

import (
	"testing"
	"time"

	"github.com/gaspardpetit/oaic/internal/chunk"
	"github.com/gaspardpetit/oaic/internal/openai"
	"github.com/gaspardpetit/oaic/internal/provider"
)

func TestRegisterRouteChat(t *testing.T) {
	r := New()
	r.RegisterChat("m", func(req openai.ChatRequest, p *provider.Provider) {
		p.Push(chunk.FinalText("hi", req.Model))
		p.End()
	})
	if !r.HasChat("m") {
		t.Fatalf("expected model registered")
	}
	p := provider.New(time.Second)
	if !r.RouteChat(openai.ChatRequest{Model: "m"}, p) {
		t.Fatalf("route failed")
	}
	c, ok := p.WaitPopFor(time.Second)
	if !ok || c.Text != "hi" {
		t.Fatalf("got %v %v", c, ok)
	}
}

func TestRouteUnknownModel(t *testing.T) {
	r := New()
	p := provider.New(time.Second)
	if r.RouteChat(openai.ChatRequest{Model: "nope"}, p) {
		t.Fatalf("expected route miss")
	}
}

func TestRoutePanicBecomesErrorEvent(t *testing.T) {
	r := New()
	r.RegisterEmbedding("m", func(openai.EmbeddingRequest, *provider.Provider) {
		panic("boom")
	})
	p := provider.New(time.Second)
	if !r.RouteEmbedding(openai.EmbeddingRequest{Model: "m"}, p) {
		t.Fatalf("route failed")
	}
	c, ok := p.WaitPopFor(time.Second)
	if !ok || !c.IsError() || c.ErrorCode != "model_error" {
		t.Fatalf("expected model_error, got %v %v", c, ok)
	}
	if !p.IsEnded() {
		t.Fatalf("expected provider ended after panic")
	}
}

func TestRegisterOverwrites(t *testing.T) {
	r := New()
	r.RegisterTTS("m", func(openai.TTSRequest, *provider.Provider) {})
	r.RegisterTTS("m", func(req openai.TTSRequest, p *provider.Provider) {
		p.Push(chunk.AudioData([]byte{1}, "audio/mpeg", req.Model))
		p.End()
	})
	p := provider.New(time.Second)
	if !r.RouteTTS(openai.TTSRequest{Model: "m"}, p) {
		t.Fatalf("route failed")
	}
	c, ok := p.WaitPopFor(time.Second)
	if !ok || len(c.Bytes) != 1 {
		t.Fatalf("overwrite not effective: %v %v", c, ok)
	}
}

func TestListAllDeduplicates(t *testing.T) {
	r := New()
	r.RegisterChat("shared", func(openai.ChatRequest, *provider.Provider) {})
	r.RegisterEmbedding("shared", func(openai.EmbeddingRequest, *provider.Provider) {})
	r.RegisterASR("whisper-1", func(openai.ASRRequest, *provider.Provider) {})
	all := r.ListAll()
	if len(all) != 2 || all[0] != "shared" || all[1] != "whisper-1" {
		t.Fatalf("list-all = %v", all)
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	r.RegisterImageGen("dall-e-2", func(openai.ImageGenRequest, *provider.Provider) {})
	r.Unregister("dall-e-2")
	if r.HasImageGen("dall-e-2") {
		t.Fatalf("expected model removed")
	}
	r.Unregister("dall-e-2") // no-op
}
