// Package ctrlsrv implements the master side of the cluster control plane:
// worker registration, model-name arbitration, heartbeat expiry and request
// forwarding.
package ctrlsrv

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/oaic/core/logx"
	"github.com/gaspardpetit/oaic/internal/chunk"
	"github.com/gaspardpetit/oaic/internal/cluster"
	"github.com/gaspardpetit/oaic/internal/metrics"
	"github.com/gaspardpetit/oaic/internal/provider"
)

// Worker is the master's view of one connected worker.
type Worker struct {
	ID            string
	Host          string
	Port          int
	LastHeartbeat time.Time
	Models        map[string]cluster.ModelType
}

// Addr returns the worker's forward endpoint base URL.
func (w *Worker) Addr() string {
	return "http://" + net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// Manager tracks workers, owns the model-to-worker map and routes forwarded
// responses back to their waiting providers. One mutex guards all three maps;
// every operation is short so contention stays negligible.
type Manager struct {
	mu            sync.Mutex
	workers       map[string]*Worker
	modelToWorker map[string]string
	pending       map[string]*provider.Provider

	// PruneAfter and SweepEvery control heartbeat expiry. They are fields
	// rather than constants so tests can shrink them.
	PruneAfter time.Duration
	SweepEvery time.Duration

	// LocalHas reports whether a model name is already claimed by the
	// master's own router, in which case registration is refused.
	LocalHas func(name string) bool

	// OnModelRegistered and OnModelUnregistered let the embedding server
	// mirror remote models into its router.
	OnModelRegistered   func(name string, mt cluster.ModelType, workerID string)
	OnModelUnregistered func(name string)

	masterHost string
	masterPort int

	client *http.Client
	stop   chan struct{}
	done   chan struct{}
}

// NewManager returns a manager advertising the given master address in
// handshake acknowledgements.
func NewManager(masterHost string, masterPort int) *Manager {
	return &Manager{
		workers:       map[string]*Worker{},
		modelToWorker: map[string]string{},
		pending:       map[string]*provider.Provider{},
		PruneAfter:    30 * time.Second,
		SweepEvery:    5 * time.Second,
		masterHost:    masterHost,
		masterPort:    masterPort,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
			Timeout: 300 * time.Second,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the heartbeat sweeper.
func (m *Manager) Start() {
	go m.sweep()
}

// Stop halts the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) sweep() {
	defer close(m.done)
	ticker := time.NewTicker(m.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.pruneExpired()
		}
	}
}

func (m *Manager) pruneExpired() {
	cutoff := time.Now().Add(-m.PruneAfter)
	var expired []string
	m.mu.Lock()
	for id, w := range m.workers {
		if w.LastHeartbeat.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()
	for _, id := range expired {
		logx.Log.Warn().Str("worker_id", id).Msg("worker heartbeat expired")
		m.UnregisterWorker(id)
	}
}

// RegisterWorker records (or refreshes) a worker from a handshake.
func (m *Manager) RegisterWorker(id, host string, port int) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok {
		w = &Worker{ID: id, Models: map[string]cluster.ModelType{}}
		m.workers[id] = w
	}
	w.Host = host
	w.Port = port
	w.LastHeartbeat = time.Now()
	n := len(m.workers)
	m.mu.Unlock()
	metrics.SetWorkersConnected(n)
	if !ok {
		logx.Log.Info().Str("worker_id", id).Str("host", host).Int("port", port).Msg("worker connected")
	}
}

// Heartbeat refreshes a worker's liveness and address. It returns false when
// the worker is unknown, telling it to re-handshake.
func (m *Manager) Heartbeat(id, host string, port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return false
	}
	if host != "" {
		w.Host = host
	}
	if port != 0 {
		w.Port = port
	}
	w.LastHeartbeat = time.Now()
	return true
}

// RegisterModel arbitrates a model-name claim. First registration wins;
// names already owned by another worker or by the master's local router are
// refused.
func (m *Manager) RegisterModel(workerID, name string, mt cluster.ModelType) (bool, string) {
	if m.LocalHas != nil && m.LocalHas(name) {
		return false, fmt.Sprintf("model '%s' is already registered locally", name)
	}
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return false, "unknown worker, handshake first"
	}
	if owner, claimed := m.modelToWorker[name]; claimed && owner != workerID {
		m.mu.Unlock()
		return false, fmt.Sprintf("model '%s' is already registered by worker %s", name, owner)
	}
	m.modelToWorker[name] = workerID
	w.Models[name] = mt
	m.mu.Unlock()

	logx.Log.Info().Str("worker_id", workerID).Str("model", name).Msg("remote model registered")
	if m.OnModelRegistered != nil {
		m.OnModelRegistered(name, mt, workerID)
	}
	return true, "registered"
}

// UnregisterWorker removes a worker and releases all its model claims.
func (m *Manager) UnregisterWorker(id string) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.workers, id)
	var released []string
	for name := range w.Models {
		if m.modelToWorker[name] == id {
			delete(m.modelToWorker, name)
			released = append(released, name)
		}
	}
	n := len(m.workers)
	m.mu.Unlock()

	metrics.SetWorkersConnected(n)
	logx.Log.Info().Str("worker_id", id).Int("models", len(released)).Msg("worker disconnected")
	for _, name := range released {
		if m.OnModelUnregistered != nil {
			m.OnModelUnregistered(name)
		}
	}
}

// WorkerCount returns the number of live workers.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// WorkerFor returns the worker id owning a model name, if any.
func (m *Manager) WorkerFor(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.modelToWorker[name]
	return id, ok
}

func newRequestID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "req_" + hex[:16]
}

// Forward sends a request to the worker owning model and parks p until the
// worker's response arrives. The HTTP round trip runs on its own goroutine;
// transport failures surface as an error event on p.
func (m *Manager) Forward(model string, mt cluster.ModelType, request json.RawMessage, p *provider.Provider) bool {
	m.mu.Lock()
	workerID, ok := m.modelToWorker[model]
	if !ok {
		m.mu.Unlock()
		return false
	}
	w, ok := m.workers[workerID]
	if !ok {
		delete(m.modelToWorker, model)
		m.mu.Unlock()
		return false
	}
	addr := w.Addr()
	reqID := newRequestID()
	m.pending[reqID] = p
	m.mu.Unlock()

	frame, err := cluster.EncodeFrame(cluster.MsgForwardRequest, cluster.ForwardRequestPayload{
		RequestID: reqID,
		ModelType: mt,
		Request:   request,
	})
	if err != nil {
		m.failPending(reqID, "forward_failed", err.Error())
		return true
	}

	go func() {
		resp, err := m.client.Post(addr+cluster.PathForward, cluster.ContentType, bytes.NewReader(frame))
		if err != nil {
			logx.Log.Error().Err(err).Str("worker_id", workerID).Str("model", model).Msg("forward failed")
			metrics.RecordForward("transport_failed")
			m.failPending(reqID, "forward_failed", "failed to reach worker: "+err.Error())
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			metrics.RecordForward("transport_failed")
			m.failPending(reqID, "forward_failed", fmt.Sprintf("worker returned status %d", resp.StatusCode))
			return
		}
		// The worker replies out of band on PathResponse; the POST body
		// is just an acknowledgement.
	}()
	return true
}

func (m *Manager) failPending(reqID, code, message string) {
	m.mu.Lock()
	p, ok := m.pending[reqID]
	delete(m.pending, reqID)
	m.mu.Unlock()
	if !ok {
		return
	}
	p.Push(chunk.Error(code, message))
	p.End()
}

// HandleWorkerResponse resolves a forward response against its pending
// provider and translates the serialized chunks back into events.
func (m *Manager) HandleWorkerResponse(payload cluster.ForwardResponsePayload) {
	m.mu.Lock()
	p, ok := m.pending[payload.RequestID]
	delete(m.pending, payload.RequestID)
	m.mu.Unlock()
	if !ok {
		logx.Log.Warn().Str("request_id", payload.RequestID).Msg("response for unknown request")
		metrics.RecordForward("dropped")
		return
	}

	if payload.IsError {
		var e cluster.ErrorPayload
		if err := json.Unmarshal(payload.Response, &e); err != nil || e.ErrorMessage == "" {
			e = cluster.ErrorPayload{ErrorCode: "worker_error", ErrorMessage: string(payload.Response)}
		}
		if e.ErrorCode == "" {
			e.ErrorCode = "worker_error"
		}
		metrics.RecordForward("error")
		p.Push(chunk.Error(e.ErrorCode, e.ErrorMessage))
		p.End()
		return
	}

	chunks, err := cluster.DecodeWorkerResponse(payload.Response)
	if err != nil {
		metrics.RecordForward("error")
		p.Push(chunk.Error("worker_error", "malformed worker response: "+err.Error()))
		p.End()
		return
	}
	metrics.RecordForward("success")
	for _, rc := range chunks {
		p.Push(translateChunk(rc))
	}
	p.End()
}

// translateChunk maps one serialized worker event onto a provider chunk.
func translateChunk(rc cluster.ResponseChunk) chunk.Chunk {
	switch {
	case rc.Embeddings != nil:
		return chunk.BatchEmbeddings(rc.Embeddings, "")
	case rc.BytesB64 != "":
		data, err := base64.StdEncoding.DecodeString(rc.BytesB64)
		if err != nil {
			return chunk.Error("worker_error", "malformed binary payload")
		}
		return chunk.AudioData(data, rc.MimeType, "")
	case rc.IsDelta:
		c := chunk.TextDelta(rc.Text, "")
		if rc.FinishReason != "" {
			c.Obj = map[string]json.RawMessage{"finish_reason": mustJSON(rc.FinishReason)}
		}
		return c
	default:
		return chunk.FinalText(rc.Text, "")
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
