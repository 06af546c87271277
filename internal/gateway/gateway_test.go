package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/oaic/internal/agent"
	"github.com/gaspardpetit/oaic/internal/chunk"
	"github.com/gaspardpetit/oaic/internal/cluster"
	"github.com/gaspardpetit/oaic/internal/config"
	"github.com/gaspardpetit/oaic/internal/ctrlsrv"
	"github.com/gaspardpetit/oaic/internal/openai"
	"github.com/gaspardpetit/oaic/internal/provider"
	"github.com/gaspardpetit/oaic/internal/router"
)

// startMaster boots a master on a free port pair and waits until the public
// API answers.
func startMaster(t *testing.T, models []string) config.ServerConfig {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		port := 31000 + rand.Intn(2000)
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		cfg := config.ServerConfig{Port: port, Models: models, RequestTimeout: 10 * time.Second}
		cfg.SetDefaults()
		cfg.Models = models

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- RunMaster(ctx, cfg, ln) }()

		if waitHTTP(t, fmt.Sprintf("http://127.0.0.1:%d/health", port), 3*time.Second) {
			t.Cleanup(func() {
				cancel()
				select {
				case <-done:
				case <-time.After(10 * time.Second):
					t.Errorf("master did not shut down")
				}
			})
			return cfg
		}
		cancel()
		<-done
	}
	t.Fatalf("could not start a master on any port")
	return config.ServerConfig{}
}

func waitHTTP(t *testing.T, url string, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	return false
}

// startWorker runs an agent with a custom router against the master's
// control port.
func startWorker(t *testing.T, cfg config.ServerConfig, rtr *router.Router, specs []agent.ModelSpec) *agent.Agent {
	t.Helper()
	a := agent.New(agent.Config{
		MasterHost:    "127.0.0.1",
		MasterPort:    cfg.ControlPort(),
		AdvertiseHost: "127.0.0.1",
	}, rtr, specs)
	a.HeartbeatEvery = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("worker: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Errorf("worker did not shut down")
		}
	})
	return a
}

func listModels(t *testing.T, cfg config.ServerConfig) []string {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/v1/models", cfg.Port))
	if err != nil {
		t.Fatalf("get models: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	names := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		names = append(names, m.ID)
	}
	return names
}

func waitForModel(t *testing.T, cfg config.ServerConfig, name string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range listModels(t, cfg) {
			if m == name {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("model %q never appeared in /v1/models", name)
}

func TestClusterForwarding(t *testing.T) {
	cfg := startMaster(t, []string{"gpt-4"})

	rtr := router.New()
	rtr.RegisterChat("remote-llama", func(req openai.ChatRequest, p *provider.Provider) {
		p.Push(chunk.TextDelta("Worker ", req.Model))
		p.Push(chunk.TextDelta("says hi", req.Model))
		p.End()
	})
	startWorker(t, cfg, rtr, []agent.ModelSpec{{Name: "remote-llama", Type: cluster.ModelChat}})

	waitForModel(t, cfg, "remote-llama")

	resp, err := http.Post(
		fmt.Sprintf("http://127.0.0.1:%d/v1/chat/completions", cfg.Port),
		"application/json",
		strings.NewReader(`{"model":"remote-llama","messages":[{"role":"user","content":"hi"}]}`),
	)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "Worker says hi" {
		t.Fatalf("content = %s", body)
	}
}

func TestModelNameCollision(t *testing.T) {
	cfg := startMaster(t, []string{"shared"})

	// A second claimant for the name must be refused.
	client := &http.Client{Timeout: 5 * time.Second}
	masterURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.ControlPort())
	ack, err := ctrlsrv.Handshake(client, masterURL, "worker_test", "127.0.0.1", 28080)
	if err != nil || !ack.Accepted {
		t.Fatalf("handshake: %v %+v", err, ack)
	}
	frame, _ := cluster.EncodeFrame(cluster.MsgRegisterModel, cluster.RegisterModelPayload{
		WorkerID:  "worker_test",
		ModelType: cluster.ModelChat,
		ModelName: "shared",
	})
	resp, err := client.Post(masterURL+cluster.PathRegister, cluster.ContentType, bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	typ, payload, err := cluster.DecodeFrame(raw)
	if err != nil || typ != cluster.MsgRegisterAck {
		t.Fatalf("reply: %v type=%d", err, typ)
	}
	var regAck cluster.RegisterAckPayload
	if err := json.Unmarshal(payload, &regAck); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if regAck.Success {
		t.Fatalf("collision must be refused: %+v", regAck)
	}

	// The model list still has exactly one entry and the master serves it.
	count := 0
	for _, m := range listModels(t, cfg) {
		if m == "shared" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("shared listed %d times", count)
	}

	post, err := http.Post(
		fmt.Sprintf("http://127.0.0.1:%d/v1/chat/completions", cfg.Port),
		"application/json",
		strings.NewReader(`{"model":"shared","messages":[{"role":"user","content":"hi"}]}`),
	)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(post.Body)
	_ = post.Body.Close()
	if post.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", post.StatusCode, body)
	}
	if !strings.Contains(string(body), "mock response from shared") {
		t.Fatalf("expected the local mock to answer: %s", body)
	}
}

func TestModalityFor(t *testing.T) {
	cases := map[string]cluster.ModelType{
		"gpt-4":                  cluster.ModelChat,
		"llama-3":                cluster.ModelChat,
		"text-embedding-ada-002": cluster.ModelEmbedding,
		"whisper-1":              cluster.ModelASR,
		"tts-1":                  cluster.ModelTTS,
		"dall-e-3":               cluster.ModelImageGen,
	}
	for name, want := range cases {
		if got := ModalityFor(name); got != want {
			t.Fatalf("%s: got %d, want %d", name, got, want)
		}
	}
}

func TestMockEmbeddingDeterministic(t *testing.T) {
	p1 := provider.New(time.Second)
	p2 := provider.New(time.Second)
	req := openai.EmbeddingRequest{Model: "m", Inputs: []string{"hello"}}
	mockEmbedding(req, p1)
	mockEmbedding(req, p2)
	c1, _ := p1.WaitPopFor(time.Second)
	c2, _ := p2.WaitPopFor(time.Second)
	if len(c1.Embeddings) != 1 || len(c1.Embeddings[0]) != 8 {
		t.Fatalf("shape: %v", c1.Embeddings)
	}
	for i := range c1.Embeddings[0] {
		if c1.Embeddings[0][i] != c2.Embeddings[0][i] {
			t.Fatalf("embedding not deterministic at %d", i)
		}
	}
}
