package agent

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gaspardpetit/oaic/internal/chunk"
	"github.com/gaspardpetit/oaic/internal/cluster"
	"github.com/gaspardpetit/oaic/internal/openai"
	"github.com/gaspardpetit/oaic/internal/provider"
	"github.com/gaspardpetit/oaic/internal/router"
)

// fakeMaster captures FORWARD_RESPONSE frames posted to the response path.
func fakeMaster(t *testing.T) (*Agent, chan cluster.ForwardResponsePayload, *router.Router) {
	t.Helper()
	responses := make(chan cluster.ForwardResponsePayload, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != cluster.PathResponse {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		typ, raw, err := cluster.DecodeFrame(body)
		if err != nil || typ != cluster.MsgForwardResponse {
			t.Errorf("bad frame: %v", err)
			return
		}
		var p cluster.ForwardResponsePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Errorf("bad payload: %v", err)
			return
		}
		responses <- p
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	rtr := router.New()
	a := New(Config{MasterHost: host, MasterPort: port}, rtr, nil)
	return a, responses, rtr
}

func TestExecuteChatForward(t *testing.T) {
	a, responses, rtr := fakeMaster(t)
	rtr.RegisterChat("llama", func(req openai.ChatRequest, p *provider.Provider) {
		p.Push(chunk.TextDelta("Worker ", req.Model))
		p.Push(chunk.TextDelta("says hi", req.Model))
		p.End()
	})

	a.execute(cluster.ForwardRequestPayload{
		RequestID: "req_t1",
		ModelType: cluster.ModelChat,
		Request:   json.RawMessage(`{"model":"llama","messages":[]}`),
	})

	select {
	case resp := <-responses:
		if resp.IsError {
			t.Fatalf("unexpected error response: %s", resp.Response)
		}
		chunks, err := cluster.DecodeWorkerResponse(resp.Response)
		if err != nil || len(chunks) != 2 {
			t.Fatalf("chunks = %v (%v)", chunks, err)
		}
		if chunks[0].Text+chunks[1].Text != "Worker says hi" {
			t.Fatalf("text = %q%q", chunks[0].Text, chunks[1].Text)
		}
		if !chunks[0].IsDelta {
			t.Fatalf("expected delta chunks")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no response delivered")
	}
}

func TestExecuteUnknownModel(t *testing.T) {
	a, responses, _ := fakeMaster(t)

	a.execute(cluster.ForwardRequestPayload{
		RequestID: "req_t2",
		ModelType: cluster.ModelChat,
		Request:   json.RawMessage(`{"model":"nope"}`),
	})

	select {
	case resp := <-responses:
		if !resp.IsError {
			t.Fatalf("expected error response")
		}
		var e cluster.ErrorPayload
		if err := json.Unmarshal(resp.Response, &e); err != nil || e.ErrorCode != "model_not_found" {
			t.Fatalf("error payload = %s (%v)", resp.Response, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no response delivered")
	}
}

func TestExecuteModelErrorPropagates(t *testing.T) {
	a, responses, rtr := fakeMaster(t)
	rtr.RegisterEmbedding("embed", func(req openai.EmbeddingRequest, p *provider.Provider) {
		p.Push(chunk.Error("model_error", "out of memory"))
		p.End()
	})

	a.execute(cluster.ForwardRequestPayload{
		RequestID: "req_t3",
		ModelType: cluster.ModelEmbedding,
		Request:   json.RawMessage(`{"model":"embed","input":"x"}`),
	})

	select {
	case resp := <-responses:
		if !resp.IsError {
			t.Fatalf("expected error response")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no response delivered")
	}
}

func TestExecuteASRDecodesAudio(t *testing.T) {
	a, responses, rtr := fakeMaster(t)
	var gotAudio []byte
	rtr.RegisterASR("whisper-1", func(req openai.ASRRequest, p *provider.Provider) {
		gotAudio = req.AudioData
		p.Push(chunk.FinalText("transcribed", req.Model))
		p.End()
	})

	fwd, _ := json.Marshal(cluster.ASRForwardRequest{Model: "whisper-1", Audio: "aGVsbG8="})
	a.execute(cluster.ForwardRequestPayload{RequestID: "req_t4", ModelType: cluster.ModelASR, Request: fwd})

	select {
	case resp := <-responses:
		if resp.IsError {
			t.Fatalf("unexpected error: %s", resp.Response)
		}
		if string(gotAudio) != "hello" {
			t.Fatalf("audio = %q", gotAudio)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no response delivered")
	}
}

func TestSerializeChunkVariants(t *testing.T) {
	rc := serializeChunk(chunk.TextDelta("a", "m"))
	if !rc.IsDelta || rc.Text != "a" {
		t.Fatalf("delta = %+v", rc)
	}
	rc = serializeChunk(chunk.FinalText("done", "m"))
	if rc.IsDelta || rc.Text != "done" {
		t.Fatalf("final = %+v", rc)
	}
	rc = serializeChunk(chunk.SingleEmbedding([]float32{1, 2}, "m", 0))
	if len(rc.Embeddings) != 1 || len(rc.Embeddings[0]) != 2 {
		t.Fatalf("embedding = %+v", rc)
	}
	rc = serializeChunk(chunk.AudioData([]byte{0xFF}, "audio/mpeg", "m"))
	if rc.BytesB64 == "" || rc.MimeType != "audio/mpeg" {
		t.Fatalf("audio = %+v", rc)
	}
}

func TestLocalIPIsParseable(t *testing.T) {
	ip := localIP()
	if net.ParseIP(ip) == nil {
		t.Fatalf("localIP = %q", ip)
	}
}
