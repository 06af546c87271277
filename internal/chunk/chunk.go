// Package chunk defines the semantic output events exchanged between model
// callbacks and the transport layers. Callbacks emit chunks; encoders turn
// them into OpenAI wire format. A chunk is immutable once constructed.
package chunk

import (
	"encoding/json"
	"time"
)

// Kind discriminates the event variants a model callback may produce.
type Kind int

const (
	// KindTextDelta is a streamed text fragment.
	KindTextDelta Kind = iota
	// KindFinalText is the final complete text of a generation.
	KindFinalText
	// KindEmbedding is a single vector.
	KindEmbedding
	// KindEmbeddings is a batch of vectors.
	KindEmbeddings
	// KindJSONObject is an arbitrary JSON object passed through verbatim.
	KindJSONObject
	// KindAudioBytes is raw TTS audio.
	KindAudioBytes
	// KindImageBytes is raw generated image data.
	KindImageBytes
	// KindError carries an error code and message.
	KindError
	// KindEnd marks the end of a stream.
	KindEnd
)

// Chunk is a single semantic output event.
type Chunk struct {
	Kind Kind

	Text string

	Embedding  []float32
	Embeddings [][]float32

	// Obj carries pass-through JSON (image URL payloads, ASR segments,
	// finish_reason hints on forwarded deltas).
	Obj map[string]json.RawMessage

	Bytes    []byte
	MimeType string

	ErrorCode    string
	ErrorMessage string

	// Metadata consumed by the encoders.
	Model   string
	ID      string
	Created int64
	Index   int
}

// TextDelta builds a streamed text fragment event.
func TextDelta(delta, model string) Chunk {
	return Chunk{Kind: KindTextDelta, Text: delta, Model: model, Created: time.Now().Unix()}
}

// FinalText builds a final complete text event.
func FinalText(content, model string) Chunk {
	return Chunk{Kind: KindFinalText, Text: content, Model: model, Created: time.Now().Unix()}
}

// SingleEmbedding builds a single vector event.
func SingleEmbedding(emb []float32, model string, index int) Chunk {
	return Chunk{Kind: KindEmbedding, Embedding: emb, Model: model, Index: index, Created: time.Now().Unix()}
}

// BatchEmbeddings builds a batch vector event.
func BatchEmbeddings(embs [][]float32, model string) Chunk {
	return Chunk{Kind: KindEmbeddings, Embeddings: embs, Model: model, Created: time.Now().Unix()}
}

// AudioData builds a TTS audio event.
func AudioData(data []byte, mime, model string) Chunk {
	return Chunk{Kind: KindAudioBytes, Bytes: data, MimeType: mime, Model: model, Created: time.Now().Unix()}
}

// ImageData builds a generated image event.
func ImageData(data []byte, mime, model string) Chunk {
	return Chunk{Kind: KindImageBytes, Bytes: data, MimeType: mime, Model: model, Created: time.Now().Unix()}
}

// JSONObject builds a pass-through JSON event.
func JSONObject(obj map[string]json.RawMessage, model string) Chunk {
	return Chunk{Kind: KindJSONObject, Obj: obj, Model: model, Created: time.Now().Unix()}
}

// Error builds an error event.
func Error(code, message string) Chunk {
	return Chunk{Kind: KindError, ErrorCode: code, ErrorMessage: message, Created: time.Now().Unix()}
}

// End builds the end-of-stream marker.
func End() Chunk {
	return Chunk{Kind: KindEnd}
}

// IsEnd reports whether c marks end-of-stream.
func (c Chunk) IsEnd() bool { return c.Kind == KindEnd }

// IsError reports whether c carries an error.
func (c Chunk) IsError() bool { return c.Kind == KindError }

// FinishReason returns the finish_reason hint attached to a forwarded
// chunk, or "" if absent.
func (c Chunk) FinishReason() string {
	raw, ok := c.Obj["finish_reason"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
