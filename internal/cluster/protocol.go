package cluster

import "encoding/json"

// Control-plane paths on the master.
const (
	PathHandshake  = "/internal/handshake"
	PathRegister   = "/internal/register"
	PathHeartbeat  = "/internal/heartbeat"
	PathResponse   = "/internal/response"
	PathDisconnect = "/internal/disconnect"
)

// PathForward is the path on the worker's local endpoint that receives
// FORWARD_REQUEST frames from the master.
const PathForward = "/internal/forward"

// HandshakePayload announces a worker (or a probe) to the master.
type HandshakePayload struct {
	WorkerID   string `json:"worker_id"`
	WorkerHost string `json:"worker_host,omitempty"`
	WorkerPort int    `json:"worker_port,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// HandshakeAckPayload is the master's reply, carrying its own address.
type HandshakeAckPayload struct {
	Accepted   bool   `json:"accepted"`
	Message    string `json:"message"`
	MasterHost string `json:"master_host,omitempty"`
	MasterPort int    `json:"master_port,omitempty"`
}

// RegisterModelPayload stakes a claim on a model name for a worker.
type RegisterModelPayload struct {
	WorkerID   string    `json:"worker_id"`
	WorkerHost string    `json:"worker_host,omitempty"`
	WorkerPort int       `json:"worker_port,omitempty"`
	ModelType  ModelType `json:"model_type"`
	ModelName  string    `json:"model_name"`
}

// RegisterAckPayload reports the arbitration result.
type RegisterAckPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HeartbeatPayload keeps a worker alive and refreshes its address.
type HeartbeatPayload struct {
	Ping       bool   `json:"ping"`
	WorkerID   string `json:"worker_id"`
	WorkerHost string `json:"worker_host,omitempty"`
	WorkerPort int    `json:"worker_port,omitempty"`
}

// HeartbeatAckPayload acknowledges a heartbeat.
type HeartbeatAckPayload struct {
	Pong bool `json:"pong"`
}

// ForwardRequestPayload carries a client request from master to worker.
type ForwardRequestPayload struct {
	RequestID string          `json:"request_id"`
	ModelType ModelType       `json:"model_type"`
	Request   json.RawMessage `json:"request"`
}

// ForwardResponsePayload carries the worker's result back to the master.
type ForwardResponsePayload struct {
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response"`
	IsError   bool            `json:"is_error"`
}

// ErrorPayload is the error body used inside an errored forward response.
type ErrorPayload struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// ResponseChunk is one serialized provider event inside a forward response.
type ResponseChunk struct {
	Text         string      `json:"text,omitempty"`
	IsDelta      bool        `json:"is_delta,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Embeddings   [][]float32 `json:"embeddings,omitempty"`
	BytesB64     string      `json:"bytes_b64,omitempty"`
	MimeType     string      `json:"mime_type,omitempty"`
}

// EncodeWorkerResponse flattens a single chunk and wraps multiple chunks in
// a chunks array, matching what the master's response handler expects.
func EncodeWorkerResponse(chunks []ResponseChunk) ([]byte, error) {
	if len(chunks) == 1 {
		return json.Marshal(chunks[0])
	}
	return json.Marshal(struct {
		Chunks []ResponseChunk `json:"chunks"`
	}{Chunks: chunks})
}

// DecodeWorkerResponse is the inverse of EncodeWorkerResponse: a chunks
// array when present, otherwise the body as a single chunk.
func DecodeWorkerResponse(body []byte) ([]ResponseChunk, error) {
	var wrapped struct {
		Chunks []ResponseChunk `json:"chunks"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Chunks != nil {
		return wrapped.Chunks, nil
	}
	var single ResponseChunk
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []ResponseChunk{single}, nil
}

// ASRForwardRequest is the re-packed transcription request sent to workers;
// audio travels base64-encoded.
type ASRForwardRequest struct {
	Model          string  `json:"model"`
	Language       string  `json:"language,omitempty"`
	Prompt         string  `json:"prompt,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	Audio          string  `json:"audio,omitempty"`
}
