package gateway

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/gaspardpetit/oaic/internal/chunk"
	"github.com/gaspardpetit/oaic/internal/cluster"
	"github.com/gaspardpetit/oaic/internal/openai"
	"github.com/gaspardpetit/oaic/internal/provider"
	"github.com/gaspardpetit/oaic/internal/router"
)

// ModalityFor infers the modality of a model from its name, the same
// heuristic OpenAI clients rely on.
func ModalityFor(name string) cluster.ModelType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "embedding") || strings.Contains(n, "embed"):
		return cluster.ModelEmbedding
	case strings.HasPrefix(n, "whisper") || strings.HasPrefix(n, "sensevoice"):
		return cluster.ModelASR
	case strings.Contains(n, "tts") || strings.HasPrefix(n, "speech"):
		return cluster.ModelTTS
	case strings.HasPrefix(n, "dall-e") || strings.Contains(n, "image"):
		return cluster.ModelImageGen
	default:
		return cluster.ModelChat
	}
}

// RegisterMocks installs a built-in stand-in callback for each model name
// and returns the name to modality mapping.
func RegisterMocks(rtr *router.Router, names []string) map[string]cluster.ModelType {
	out := make(map[string]cluster.ModelType, len(names))
	for _, name := range names {
		mt := ModalityFor(name)
		out[name] = mt
		switch mt {
		case cluster.ModelEmbedding:
			rtr.RegisterEmbedding(name, mockEmbedding)
		case cluster.ModelASR:
			rtr.RegisterASR(name, mockASR)
		case cluster.ModelTTS:
			rtr.RegisterTTS(name, mockTTS)
		case cluster.ModelImageGen:
			rtr.RegisterImageGen(name, mockImage)
		default:
			rtr.RegisterChat(name, mockChat)
		}
	}
	return out
}

// mockChat streams a canned reply word by word.
func mockChat(req openai.ChatRequest, p *provider.Provider) {
	reply := fmt.Sprintf("Hello! This is a mock response from %s. How can I help you today?", req.Model)
	words := strings.Fields(reply)
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		if !p.Push(chunk.TextDelta(word, req.Model)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.End()
}

// mockEmbedding returns a deterministic unit-free vector per input so
// identical inputs embed identically.
func mockEmbedding(req openai.EmbeddingRequest, p *provider.Provider) {
	const dims = 8
	vectors := make([][]float32, 0, len(req.Inputs))
	for _, input := range req.Inputs {
		h := fnv.New64a()
		_, _ = h.Write([]byte(input))
		seed := h.Sum64()
		vec := make([]float32, dims)
		for i := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] = float32(int64(seed>>33))/float32(1<<30) - 1
		}
		vectors = append(vectors, vec)
	}
	p.Push(chunk.BatchEmbeddings(vectors, req.Model))
	p.End()
}

func mockASR(req openai.ASRRequest, p *provider.Provider) {
	p.Push(chunk.FinalText(fmt.Sprintf("Transcribed %d bytes of audio.", len(req.AudioData)), req.Model))
	p.End()
}

// mockTTS emits a minimal silent WAV file.
func mockTTS(req openai.TTSRequest, p *provider.Provider) {
	p.Push(chunk.AudioData(silentWAV(), "audio/wav", req.Model))
	p.End()
}

func silentWAV() []byte {
	// 44-byte RIFF header for an empty 8kHz mono PCM stream.
	return []byte{
		'R', 'I', 'F', 'F', 36, 0, 0, 0, 'W', 'A', 'V', 'E',
		'f', 'm', 't', ' ', 16, 0, 0, 0, 1, 0, 1, 0,
		0x40, 0x1F, 0, 0, 0x40, 0x1F, 0, 0, 1, 0, 8, 0,
		'd', 'a', 't', 'a', 0, 0, 0, 0,
	}
}

// mockImage emits a 1x1 transparent PNG.
func mockImage(req openai.ImageGenRequest, p *provider.Provider) {
	p.Push(chunk.ImageData(tinyPNG(), "image/png", req.Model))
	p.End()
}

func tinyPNG() []byte {
	return []byte{
		0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A,
		0, 0, 0, 0x0D, 'I', 'H', 'D', 'R',
		0, 0, 0, 1, 0, 0, 0, 1, 8, 6, 0, 0, 0,
		0x1F, 0x15, 0xC4, 0x89,
		0, 0, 0, 0x0A, 'I', 'D', 'A', 'T',
		0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00, 0x05, 0x00, 0x01,
		0x0D, 0x0A, 0x2D, 0xB4,
		0, 0, 0, 0, 'I', 'E', 'N', 'D', 0xAE, 0x42, 0x60, 0x82,
	}
}
