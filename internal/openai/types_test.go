package openai

import (
	"bytes"
	"mime/multipart"
	"testing"
)

func TestParseChatRequestDefaults(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Model != "gpt-4" || req.Stream {
		t.Fatalf("req = %+v", req)
	}
	if req.Temperature != 1 || req.TopP != 1 || req.MaxTokens != 2048 || req.N != 1 {
		t.Fatalf("defaults: %+v", req)
	}
	if len(req.Raw) == 0 {
		t.Fatalf("raw body not preserved")
	}
}

func TestParseChatRequestExplicitValues(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{"model":"m","messages":[],"temperature":0,"max_tokens":5,"stream":true}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Temperature != 0 || req.MaxTokens != 5 || !req.Stream {
		t.Fatalf("explicit zero temperature must stick: %+v", req)
	}
}

func TestParseChatRequestStopVariants(t *testing.T) {
	req, _ := ParseChatRequest([]byte(`{"model":"m","messages":[],"stop":"\n"}`))
	if len(req.Stop) != 1 || req.Stop[0] != "\n" {
		t.Fatalf("stop string: %v", req.Stop)
	}
	req, _ = ParseChatRequest([]byte(`{"model":"m","messages":[],"stop":["a","b"]}`))
	if len(req.Stop) != 2 {
		t.Fatalf("stop list: %v", req.Stop)
	}
}

func TestParseEmbeddingRequestInputVariants(t *testing.T) {
	req, err := ParseEmbeddingRequest([]byte(`{"model":"m","input":"one"}`))
	if err != nil || len(req.Inputs) != 1 || req.Inputs[0] != "one" {
		t.Fatalf("string input: %+v (%v)", req, err)
	}
	if req.EncodingFormat != "float" || req.Dimensions != -1 {
		t.Fatalf("defaults: %+v", req)
	}
	req, err = ParseEmbeddingRequest([]byte(`{"model":"m","input":["a","b","c"]}`))
	if err != nil || len(req.Inputs) != 3 {
		t.Fatalf("list input: %+v (%v)", req, err)
	}
}

func TestParseASRRequestMultipart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("model", "whisper-1")
	_ = mw.WriteField("response_format", "verbose_json")
	_ = mw.WriteField("temperature", "0.5")
	fw, _ := mw.CreateFormFile("file", "clip.wav")
	_, _ = fw.Write([]byte("audio-bytes"))
	_ = mw.Close()

	req, err := ParseASRRequest(buf.Bytes(), mw.FormDataContentType())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Model != "whisper-1" || req.ResponseFormat != "verbose_json" {
		t.Fatalf("fields: %+v", req)
	}
	if req.Temperature != 0.5 {
		t.Fatalf("temperature = %v", req.Temperature)
	}
	if string(req.AudioData) != "audio-bytes" || req.Filename != "clip.wav" {
		t.Fatalf("file: %q %q", req.AudioData, req.Filename)
	}
}

func TestParseASRRequestFallbackScan(t *testing.T) {
	body := []byte("--x\r\nContent-Disposition: form-data; name=\"model\"\r\n\r\nwhisper-1\r\n--x--\r\n")
	req, err := ParseASRRequest(body, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Model != "whisper-1" {
		t.Fatalf("model = %q", req.Model)
	}
}

func TestParseASRRequestMissingModel(t *testing.T) {
	if _, err := ParseASRRequest([]byte("no fields here"), ""); err == nil {
		t.Fatalf("missing model should error")
	}
}

func TestParseTTSRequestDefaults(t *testing.T) {
	req, err := ParseTTSRequest([]byte(`{"model":"tts-1","input":"hello"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Voice != "alloy" || req.ResponseFormat != "mp3" || req.Speed != 1 {
		t.Fatalf("defaults: %+v", req)
	}
}

func TestParseImageGenRequestDefaults(t *testing.T) {
	req, err := ParseImageGenRequest([]byte(`{"prompt":"a cat"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Model != "dall-e-2" || req.N != 1 || req.Size != "1024x1024" {
		t.Fatalf("defaults: %+v", req)
	}
	if req.Quality != "standard" || req.ResponseFormat != "url" || req.Style != "vivid" {
		t.Fatalf("defaults: %+v", req)
	}
}

func TestParseMalformedJSON(t *testing.T) {
	if _, err := ParseChatRequest([]byte("nope")); err == nil {
		t.Fatalf("chat should reject garbage")
	}
	if _, err := ParseEmbeddingRequest([]byte("{")); err == nil {
		t.Fatalf("embeddings should reject garbage")
	}
}
