// Package openai holds the OpenAI-compatible request types and the pure
// encoders from semantic output events to wire bytes.
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
)

// ChatRequest is a parsed /v1/chat/completions body. Raw preserves the full
// request object for forwarding.
type ChatRequest struct {
	Model            string
	Messages         json.RawMessage
	Stream           bool
	Temperature      float64
	TopP             float64
	MaxTokens        int
	N                int
	Stop             []string
	PresencePenalty  float64
	FrequencyPenalty float64

	Raw json.RawMessage
}

// ParseChatRequest decodes an OpenAI chat completion body.
func ParseChatRequest(body []byte) (ChatRequest, error) {
	var wire struct {
		Model            string          `json:"model"`
		Messages         json.RawMessage `json:"messages"`
		Stream           bool            `json:"stream"`
		Temperature      *float64        `json:"temperature"`
		TopP             *float64        `json:"top_p"`
		MaxTokens        *int            `json:"max_tokens"`
		N                *int            `json:"n"`
		Stop             json.RawMessage `json:"stop"`
		PresencePenalty  float64         `json:"presence_penalty"`
		FrequencyPenalty float64         `json:"frequency_penalty"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return ChatRequest{}, err
	}
	req := ChatRequest{
		Model:            wire.Model,
		Messages:         wire.Messages,
		Stream:           wire.Stream,
		Temperature:      1,
		TopP:             1,
		MaxTokens:        2048,
		N:                1,
		Stop:             parseStringOrList(wire.Stop),
		PresencePenalty:  wire.PresencePenalty,
		FrequencyPenalty: wire.FrequencyPenalty,
		Raw:              json.RawMessage(bytes.Clone(body)),
	}
	if wire.Temperature != nil {
		req.Temperature = *wire.Temperature
	}
	if wire.TopP != nil {
		req.TopP = *wire.TopP
	}
	if wire.MaxTokens != nil {
		req.MaxTokens = *wire.MaxTokens
	}
	if wire.N != nil {
		req.N = *wire.N
	}
	return req, nil
}

// EmbeddingRequest is a parsed /v1/embeddings body.
type EmbeddingRequest struct {
	Model          string
	Inputs         []string
	EncodingFormat string
	Dimensions     int

	Raw json.RawMessage
}

// ParseEmbeddingRequest decodes an OpenAI embeddings body. The input field
// accepts a string or an array of strings.
func ParseEmbeddingRequest(body []byte) (EmbeddingRequest, error) {
	var wire struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
		Dimensions     *int            `json:"dimensions"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return EmbeddingRequest{}, err
	}
	req := EmbeddingRequest{
		Model:          wire.Model,
		Inputs:         parseStringOrList(wire.Input),
		EncodingFormat: wire.EncodingFormat,
		Dimensions:     -1,
		Raw:            json.RawMessage(bytes.Clone(body)),
	}
	if req.EncodingFormat == "" {
		req.EncodingFormat = "float"
	}
	if wire.Dimensions != nil {
		req.Dimensions = *wire.Dimensions
	}
	return req, nil
}

// ASRRequest is a parsed /v1/audio/transcriptions (or translations) body.
// RawBody always preserves the complete multipart payload.
type ASRRequest struct {
	Model          string
	AudioData      []byte
	Filename       string
	Language       string
	Prompt         string
	ResponseFormat string
	Temperature    float64

	RawBody []byte
}

// ParseASRRequest extracts the known form fields from a multipart body.
// When the content type carries a boundary the body is fully parsed;
// otherwise the model field is recovered by scanning for its part header.
func ParseASRRequest(body []byte, contentType string) (ASRRequest, error) {
	req := ASRRequest{ResponseFormat: "json", RawBody: bytes.Clone(body)}

	boundary := ""
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			boundary = params["boundary"]
		}
	}
	if boundary == "" {
		req.Model = scanMultipartField(body, "model")
		if req.Model == "" {
			return req, fmt.Errorf("missing 'model' field")
		}
		return req, nil
	}

	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return req, err
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return req, err
		}
		switch part.FormName() {
		case "model":
			req.Model = strings.TrimSpace(string(data))
		case "language":
			req.Language = strings.TrimSpace(string(data))
		case "prompt":
			req.Prompt = string(data)
		case "response_format":
			req.ResponseFormat = strings.TrimSpace(string(data))
		case "temperature":
			_, _ = fmt.Sscanf(strings.TrimSpace(string(data)), "%f", &req.Temperature)
		case "file":
			req.AudioData = data
			req.Filename = part.FileName()
		}
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = "json"
	}
	if req.Model == "" {
		return req, fmt.Errorf("missing 'model' field")
	}
	return req, nil
}

// scanMultipartField recovers a form value the way the original gateway did:
// find the part header by name and read up to the next CRLF.
func scanMultipartField(body []byte, name string) string {
	marker := []byte(`name="` + name + `"`)
	pos := bytes.Index(body, marker)
	if pos < 0 {
		return ""
	}
	start := bytes.Index(body[pos:], []byte("\r\n\r\n"))
	if start < 0 {
		return ""
	}
	start += pos + 4
	end := bytes.Index(body[start:], []byte("\r\n"))
	if end < 0 {
		return ""
	}
	return string(body[start : start+end])
}

// TTSRequest is a parsed /v1/audio/speech body.
type TTSRequest struct {
	Model          string
	Input          string
	Voice          string
	ResponseFormat string
	Speed          float64

	Raw json.RawMessage
}

// ParseTTSRequest decodes an OpenAI speech body.
func ParseTTSRequest(body []byte) (TTSRequest, error) {
	var wire struct {
		Model          string  `json:"model"`
		Input          string  `json:"input"`
		Voice          string  `json:"voice"`
		ResponseFormat string  `json:"response_format"`
		Speed          float64 `json:"speed"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return TTSRequest{}, err
	}
	req := TTSRequest{
		Model:          wire.Model,
		Input:          wire.Input,
		Voice:          wire.Voice,
		ResponseFormat: wire.ResponseFormat,
		Speed:          wire.Speed,
		Raw:            json.RawMessage(bytes.Clone(body)),
	}
	if req.Voice == "" {
		req.Voice = "alloy"
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = "mp3"
	}
	if req.Speed == 0 {
		req.Speed = 1
	}
	return req, nil
}

// ImageGenRequest is a parsed /v1/images/generations body.
type ImageGenRequest struct {
	Prompt         string
	Model          string
	N              int
	Quality        string
	ResponseFormat string
	Size           string
	Style          string

	Raw json.RawMessage
}

// ParseImageGenRequest decodes an OpenAI image generation body.
func ParseImageGenRequest(body []byte) (ImageGenRequest, error) {
	var wire struct {
		Prompt         string `json:"prompt"`
		Model          string `json:"model"`
		N              int    `json:"n"`
		Quality        string `json:"quality"`
		ResponseFormat string `json:"response_format"`
		Size           string `json:"size"`
		Style          string `json:"style"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return ImageGenRequest{}, err
	}
	req := ImageGenRequest{
		Prompt:         wire.Prompt,
		Model:          wire.Model,
		N:              wire.N,
		Quality:        wire.Quality,
		ResponseFormat: wire.ResponseFormat,
		Size:           wire.Size,
		Style:          wire.Style,
		Raw:            json.RawMessage(bytes.Clone(body)),
	}
	if req.Model == "" {
		req.Model = "dall-e-2"
	}
	if req.N == 0 {
		req.N = 1
	}
	if req.Quality == "" {
		req.Quality = "standard"
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = "url"
	}
	if req.Size == "" {
		req.Size = "1024x1024"
	}
	if req.Style == "" {
		req.Style = "vivid"
	}
	return req, nil
}

func parseStringOrList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}
