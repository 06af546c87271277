package openai

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/oaic/internal/chunk"
)

// SSEDone is the terminal server-sent-event line the OpenAI SDKs expect.
const SSEDone = "data: [DONE]\n\n"

// NewCompletionID returns a fresh chat completion identifier.
func NewCompletionID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "chatcmpl-" + hex[:24]
}

type chatDelta struct {
	Content *string `json:"content,omitempty"`
	Role    string  `json:"role,omitempty"`
}

type chatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type chatChunkWire struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
}

func chunkMeta(c chunk.Chunk) (id, model string, created int64) {
	id = c.ID
	if id == "" {
		id = NewCompletionID()
	}
	model = c.Model
	if model == "" {
		model = "gpt-4"
	}
	created = c.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	return
}

// EncodeChatSSE encodes one chunk as a chat-completion SSE event. Text
// deltas carry delta.content with a null finish_reason; final text closes
// the choice with finish_reason "stop". End chunks become the done marker.
// Chunks with no SSE representation encode to nil.
func EncodeChatSSE(c chunk.Chunk) []byte {
	switch c.Kind {
	case chunk.KindEnd:
		return []byte(SSEDone)
	case chunk.KindError:
		b, _ := json.Marshal(errorWire{Error: errorBody{Message: c.ErrorMessage, Type: c.ErrorCode}})
		return sseLine(b)
	case chunk.KindTextDelta:
		id, model, created := chunkMeta(c)
		content := c.Text
		wire := chatChunkWire{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []chatChunkChoice{{Index: c.Index, Delta: chatDelta{Content: &content, Role: "assistant"}}},
		}
		b, _ := json.Marshal(wire)
		return sseLine(b)
	case chunk.KindFinalText:
		id, model, created := chunkMeta(c)
		stop := "stop"
		wire := chatChunkWire{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []chatChunkChoice{{Index: c.Index, FinishReason: &stop}},
		}
		b, _ := json.Marshal(wire)
		return sseLine(b)
	default:
		return nil
	}
}

func sseLine(b []byte) []byte {
	out := make([]byte, 0, len(b)+8)
	out = append(out, "data: "...)
	out = append(out, b...)
	out = append(out, "\n\n"...)
	return out
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usageWire struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionWire struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   usageWire    `json:"usage"`
}

// EncodeChatJSON encodes a final text chunk as a unary chat completion.
func EncodeChatJSON(c chunk.Chunk) []byte {
	id, model, created := chunkMeta(c)
	wire := chatCompletionWire{
		ID: id, Object: "chat.completion", Created: created, Model: model,
		Choices: []chatChoice{{
			Index:        c.Index,
			Message:      chatMessage{Role: "assistant", Content: c.Text},
			FinishReason: "stop",
		}},
	}
	b, _ := json.Marshal(wire)
	return b
}

type embeddingWire struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type embeddingsWire struct {
	Object string          `json:"object"`
	Data   []embeddingWire `json:"data"`
	Model  string          `json:"model"`
	Usage  embeddingUsage  `json:"usage"`
}

// EncodeEmbeddingsJSON encodes a single or batch embedding chunk as an
// OpenAI embeddings list response.
func EncodeEmbeddingsJSON(c chunk.Chunk) []byte {
	wire := embeddingsWire{Object: "list", Data: []embeddingWire{}}
	switch c.Kind {
	case chunk.KindEmbedding:
		emb := c.Embedding
		if emb == nil {
			emb = []float32{}
		}
		wire.Data = append(wire.Data, embeddingWire{Object: "embedding", Index: c.Index, Embedding: emb})
	case chunk.KindEmbeddings:
		for i, emb := range c.Embeddings {
			if emb == nil {
				emb = []float32{}
			}
			wire.Data = append(wire.Data, embeddingWire{Object: "embedding", Index: i, Embedding: emb})
		}
	}
	wire.Model = c.Model
	if wire.Model == "" {
		wire.Model = "text-embedding-ada-002"
	}
	b, _ := json.Marshal(wire)
	return b
}

// EncodeASRJSON encodes a transcription result as the Whisper json shape.
func EncodeASRJSON(c chunk.Chunk) []byte {
	b, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: c.Text})
	return b
}

// EncodeASRText encodes a transcription result as plain text.
func EncodeASRText(c chunk.Chunk) []byte {
	return []byte(c.Text)
}

type asrVerboseWire struct {
	Task     string            `json:"task"`
	Language string            `json:"language"`
	Duration float64           `json:"duration"`
	Text     string            `json:"text"`
	Segments []json.RawMessage `json:"segments"`
}

// EncodeASRVerboseJSON encodes a transcription result as the Whisper
// verbose_json shape, passing through segments the callback attached.
func EncodeASRVerboseJSON(c chunk.Chunk) []byte {
	wire := asrVerboseWire{Task: "transcribe", Segments: []json.RawMessage{}, Text: c.Text}
	if raw, ok := c.Obj["segments"]; ok {
		var segs []json.RawMessage
		if err := json.Unmarshal(raw, &segs); err == nil {
			wire.Segments = segs
		}
	}
	if raw, ok := c.Obj["language"]; ok {
		_ = json.Unmarshal(raw, &wire.Language)
	}
	b, _ := json.Marshal(wire)
	return b
}

// AudioMime returns the mime type to serve an audio chunk under.
func AudioMime(c chunk.Chunk) string {
	if c.MimeType == "" {
		return "audio/mpeg"
	}
	return c.MimeType
}

type imageWire struct {
	B64JSON       string `json:"b64_json"`
	RevisedPrompt string `json:"revised_prompt"`
}

type imagesWire struct {
	Created int64       `json:"created"`
	Data    []imageWire `json:"data"`
}

// EncodeImagesJSON encodes an image result as the DALL·E response shape.
// JSON-object chunks (URL-style delivery) pass through verbatim.
func EncodeImagesJSON(c chunk.Chunk) []byte {
	if c.Kind == chunk.KindJSONObject {
		b, _ := json.Marshal(c.Obj)
		return b
	}
	created := c.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	wire := imagesWire{
		Created: created,
		Data:    []imageWire{{B64JSON: base64.StdEncoding.EncodeToString(c.Bytes)}},
	}
	b, _ := json.Marshal(wire)
	return b
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type errorWire struct {
	Error errorBody `json:"error"`
}

// EncodeError encodes the OpenAI error envelope.
func EncodeError(code, message string) []byte {
	b, _ := json.Marshal(errorWire{Error: errorBody{Message: message, Type: code, Code: code}})
	return b
}

// EncodeErrorChunk encodes an error chunk with the OpenAI error envelope.
func EncodeErrorChunk(c chunk.Chunk) []byte {
	code := c.ErrorCode
	if code == "" {
		code = "server_error"
	}
	return EncodeError(code, c.ErrorMessage)
}

// Canned error bodies used across handlers.
func ErrInvalidRequest(message string) []byte { return EncodeError("invalid_request_error", message) }
func ErrUnauthorized() []byte                 { return EncodeError("unauthorized", "Invalid API key") }
func ErrRateLimit() []byte                    { return EncodeError("rate_limit_exceeded", "Rate limit exceeded") }
func ErrServer(message string) []byte         { return EncodeError("server_error", message) }
func ErrNotFound() []byte {
	return EncodeError("not_found", "The requested resource was not found")
}
