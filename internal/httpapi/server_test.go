package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/oaic/internal/chunk"
	"github.com/gaspardpetit/oaic/internal/openai"
	"github.com/gaspardpetit/oaic/internal/provider"
	"github.com/gaspardpetit/oaic/internal/router"
)

func newTestServer(t *testing.T, cfg Config, rtr *router.Router) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(cfg, rtr).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body
}

func TestUnaryChatCompletion(t *testing.T) {
	rtr := router.New()
	rtr.RegisterChat("gpt-4", func(req openai.ChatRequest, p *provider.Provider) {
		p.Push(chunk.FinalText("Hello", req.Model))
		p.End()
	})
	srv := newTestServer(t, Config{}, rtr)

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Object != "chat.completion" || len(out.Choices) != 1 {
		t.Fatalf("shape: %s", body)
	}
	if out.Choices[0].Message.Content != "Hello" || out.Choices[0].FinishReason != "stop" {
		t.Fatalf("choice: %+v", out.Choices[0])
	}
}

func TestStreamedChatCompletion(t *testing.T) {
	rtr := router.New()
	rtr.RegisterChat("gpt-4", func(req openai.ChatRequest, p *provider.Provider) {
		p.Push(chunk.TextDelta("Hel", req.Model))
		p.Push(chunk.TextDelta("lo", req.Model))
		p.Push(chunk.FinalText("", req.Model))
		p.End()
	})
	srv := newTestServer(t, Config{}, rtr)

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	var text strings.Builder
	doneCount := 0
	for i, ev := range events {
		payload := strings.TrimPrefix(ev, "data: ")
		if payload == "[DONE]" {
			doneCount++
			if i != len(events)-1 {
				t.Fatalf("[DONE] must be the last event: %s", body)
			}
			continue
		}
		var c struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content *string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			t.Fatalf("bad event %q: %v", payload, err)
		}
		if c.Object != "chat.completion.chunk" {
			t.Fatalf("object = %q", c.Object)
		}
		if len(c.Choices) == 1 && c.Choices[0].Delta.Content != nil {
			text.WriteString(*c.Choices[0].Delta.Content)
		}
	}
	if text.String() != "Hello" {
		t.Fatalf("streamed text = %q", text.String())
	}
	if doneCount != 1 {
		t.Fatalf("done markers = %d", doneCount)
	}
	if len(events) < 4 {
		t.Fatalf("expected at least 3 data events plus [DONE], got %d", len(events))
	}
}

func TestUnknownModelListsAvailable(t *testing.T) {
	rtr := router.New()
	rtr.RegisterChat("gpt-4", func(openai.ChatRequest, *provider.Provider) {})
	rtr.RegisterChat("llama", func(openai.ChatRequest, *provider.Provider) {})
	srv := newTestServer(t, Config{}, rtr)

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"model":"nope","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(out.Error.Message, "nope") || !strings.Contains(out.Error.Message, "Available models:") {
		t.Fatalf("message = %q", out.Error.Message)
	}
	if !strings.Contains(out.Error.Message, "gpt-4") || !strings.Contains(out.Error.Message, "llama") {
		t.Fatalf("message should list models: %q", out.Error.Message)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	rtr := router.New()
	rtr.RegisterChat("slow", func(req openai.ChatRequest, p *provider.Provider) {
		<-release
		p.Push(chunk.FinalText("done", req.Model))
		p.End()
	})
	srv := newTestServer(t, Config{MaxConcurrency: 1, WaitTimeout: 100 * time.Millisecond, RequestTimeout: 10 * time.Second}, rtr)

	first := make(chan int, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
			strings.NewReader(`{"model":"slow","messages":[{"role":"user","content":"hi"}]}`))
		if err != nil {
			first <- 0
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		first <- resp.StatusCode
	}()

	time.Sleep(200 * time.Millisecond) // first request now holds the slot

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"model":"slow","messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second request status = %d, body = %s", resp.StatusCode, body)
	}

	close(release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first request status = %d", code)
	}
}

func TestAuthBearerOrRaw(t *testing.T) {
	rtr := router.New()
	srv := newTestServer(t, Config{APIKey: "secret"}, rtr)

	cases := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Bearer secret", http.StatusOK},
		{"secret", http.StatusOK},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/models", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("header %q: status = %d, want %d", tc.header, resp.StatusCode, tc.want)
		}
	}
}

func TestEmbeddings(t *testing.T) {
	rtr := router.New()
	rtr.RegisterEmbedding("text-embedding-ada-002", func(req openai.EmbeddingRequest, p *provider.Provider) {
		p.Push(chunk.SingleEmbedding([]float32{0.1, 0.2, 0.3}, req.Model, 0))
		p.End()
	})
	srv := newTestServer(t, Config{}, rtr)

	resp := postJSON(t, srv.URL+"/v1/embeddings", `{"model":"text-embedding-ada-002","input":"hello"}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out struct {
		Object string `json:"object"`
		Data   []struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Object != "list" || len(out.Data) != 1 || len(out.Data[0].Embedding) != 3 {
		t.Fatalf("shape: %s", body)
	}
}

func TestModelsEndpoint(t *testing.T) {
	rtr := router.New()
	rtr.RegisterChat("gpt-4", func(openai.ChatRequest, *provider.Provider) {})
	rtr.RegisterASR("whisper-1", func(openai.ASRRequest, *provider.Provider) {})
	srv := newTestServer(t, Config{}, rtr)

	for _, path := range []string{"/v1/models", "/models"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		var out struct {
			Object string `json:"object"`
			Data   []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(out.Data) != 2 || out.Data[0].ID != "gpt-4" || out.Data[1].ID != "whisper-1" {
			t.Fatalf("%s models = %s", path, body)
		}
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Config{MaxConcurrency: 7}, router.New())
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body := readBody(t, resp)
	var out struct {
		Status         string `json:"status"`
		MaxConcurrency int    `json:"max_concurrency"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != "ok" || out.MaxConcurrency != 7 {
		t.Fatalf("health = %s", body)
	}
}

func TestMissingFields(t *testing.T) {
	srv := newTestServer(t, Config{}, router.New())

	resp := postJSON(t, srv.URL+"/v1/chat/completions", `{"messages":[]}`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing model: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/v1/chat/completions", `{"model":"gpt-4"}`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing messages: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/v1/chat/completions", `not json`)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d", resp.StatusCode)
	}
}
