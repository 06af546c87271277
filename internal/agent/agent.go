// Package agent implements the worker process: it binds a local control
// endpoint, announces itself to the master, keeps a heartbeat and executes
// forwarded requests against its local model router.
package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/oaic/core/logx"
	"github.com/gaspardpetit/oaic/internal/chunk"
	"github.com/gaspardpetit/oaic/internal/cluster"
	"github.com/gaspardpetit/oaic/internal/ctrlsrv"
	"github.com/gaspardpetit/oaic/internal/openai"
	"github.com/gaspardpetit/oaic/internal/provider"
	"github.com/gaspardpetit/oaic/internal/router"
)

// Port range scanned when no explicit listen port is configured.
const (
	scanPortFirst = 28080
	scanPortLast  = 28179
)

// drainPoll is how long one WaitPopFor call blocks while draining a
// forwarded request's provider.
const drainPoll = 100 * time.Millisecond

// ModelSpec names one model the worker offers to the cluster.
type ModelSpec struct {
	Name string
	Type cluster.ModelType
}

// Config carries the worker's connection settings.
type Config struct {
	// Name overrides the generated worker id.
	Name       string
	MasterHost string
	MasterPort int
	// ListenHost and ListenPort pin the local control endpoint; a zero
	// port scans the default port range.
	ListenHost string
	ListenPort int
	// AdvertiseHost overrides the address announced to the master.
	AdvertiseHost string
}

// Agent is a running worker.
type Agent struct {
	ID     string
	cfg    Config
	rtr    *router.Router
	models []ModelSpec

	// HeartbeatEvery is a field so tests can shrink it.
	HeartbeatEvery time.Duration

	client *http.Client
	srv    *http.Server

	host string
	port int

	started     time.Time
	reconnectCh chan struct{}
}

// New builds an agent serving the given models off rtr. An unnamed worker
// gets a generated id.
func New(cfg Config, rtr *router.Router, models []ModelSpec) *Agent {
	id := cfg.Name
	if id == "" {
		hex := strings.ReplaceAll(uuid.NewString(), "-", "")
		id = "worker_" + hex[:8]
	}
	return &Agent{
		ID:             id,
		cfg:            cfg,
		rtr:            rtr,
		models:         models,
		HeartbeatEvery: 5 * time.Second,
		client:         &http.Client{Timeout: 10 * time.Second},
		started:        time.Now(),
		reconnectCh:    make(chan struct{}, 1),
	}
}

func (a *Agent) masterURL() string {
	return "http://" + net.JoinHostPort(a.cfg.MasterHost, strconv.Itoa(a.cfg.MasterPort))
}

// Port returns the bound control port. Valid after Run has bound the
// listener.
func (a *Agent) Port() int { return a.port }

// Run binds the control endpoint, connects to the master and blocks until
// ctx is cancelled. The endpoint is serving before the handshake goes out so
// the master can forward immediately.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := a.bind()
	if err != nil {
		return err
	}
	a.port = ln.Addr().(*net.TCPAddr).Port
	a.host = a.cfg.AdvertiseHost
	if a.host == "" {
		a.host = localIP()
	}

	a.srv = &http.Server{Handler: a.routes()}
	serveErr := make(chan error, 1)
	go func() { serveErr <- a.srv.Serve(ln) }()

	if err := a.connect(); err != nil {
		_ = a.srv.Close()
		return err
	}
	logx.Log.Info().Str("worker_id", a.ID).Str("host", a.host).Int("port", a.port).Msg("worker online")

	ticker := time.NewTicker(a.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.disconnect()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.srv.Shutdown(shutdownCtx)
			return nil
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-a.reconnectCh:
			if err := a.connect(); err != nil {
				logx.Log.Warn().Err(err).Msg("reconnect failed, will retry on next heartbeat")
			}
		case <-ticker.C:
			if !a.heartbeat() {
				logx.Log.Warn().Msg("heartbeat failed, re-handshaking")
				if err := a.connect(); err != nil {
					logx.Log.Warn().Err(err).Msg("re-handshake failed")
				}
			}
		}
	}
}

func (a *Agent) bind() (net.Listener, error) {
	if a.cfg.ListenPort != 0 {
		return net.Listen("tcp", net.JoinHostPort(a.cfg.ListenHost, strconv.Itoa(a.cfg.ListenPort)))
	}
	for p := scanPortFirst; p <= scanPortLast; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(a.cfg.ListenHost, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no free port in %d..%d", scanPortFirst, scanPortLast)
}

// connect performs the handshake and registers every model. A refused model
// name is logged and skipped; the worker still serves its other models.
func (a *Agent) connect() error {
	ack, err := ctrlsrv.Handshake(a.client, a.masterURL(), a.ID, a.host, a.port)
	if err != nil {
		return fmt.Errorf("handshake with %s: %w", a.masterURL(), err)
	}
	if !ack.Accepted {
		return fmt.Errorf("master refused handshake: %s", ack.Message)
	}
	for _, spec := range a.models {
		ok, msg, err := a.registerModel(spec)
		if err != nil {
			return fmt.Errorf("register %s: %w", spec.Name, err)
		}
		if !ok {
			logx.Log.Warn().Str("model", spec.Name).Str("reason", msg).Msg("model name refused by master")
			continue
		}
		logx.Log.Info().Str("model", spec.Name).Msg("model registered with master")
	}
	return nil
}

func (a *Agent) registerModel(spec ModelSpec) (bool, string, error) {
	frame, err := cluster.EncodeFrame(cluster.MsgRegisterModel, cluster.RegisterModelPayload{
		WorkerID:   a.ID,
		WorkerHost: a.host,
		WorkerPort: a.port,
		ModelType:  spec.Type,
		ModelName:  spec.Name,
	})
	if err != nil {
		return false, "", err
	}
	resp, err := a.client.Post(a.masterURL()+cluster.PathRegister, cluster.ContentType, bytes.NewReader(frame))
	if err != nil {
		return false, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, "", err
	}
	typ, raw, err := cluster.DecodeFrame(body)
	if err != nil || typ != cluster.MsgRegisterAck {
		return false, "", fmt.Errorf("bad register reply: %v", err)
	}
	var p cluster.RegisterAckPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false, "", err
	}
	return p.Success, p.Message, nil
}

func (a *Agent) heartbeat() bool {
	frame, err := cluster.EncodeFrame(cluster.MsgHeartbeat, cluster.HeartbeatPayload{
		Ping:       true,
		WorkerID:   a.ID,
		WorkerHost: a.host,
		WorkerPort: a.port,
	})
	if err != nil {
		return false
	}
	resp, err := a.client.Post(a.masterURL()+cluster.PathHeartbeat, cluster.ContentType, bytes.NewReader(frame))
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// disconnect tells the master we are leaving. Best effort.
func (a *Agent) disconnect() {
	frame, err := cluster.EncodeFrame(cluster.MsgDisconnect, cluster.HandshakePayload{
		WorkerID:  a.ID,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	resp, err := a.client.Post(a.masterURL()+cluster.PathDisconnect, cluster.ContentType, bytes.NewReader(frame))
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

func (a *Agent) routes() http.Handler {
	r := chi.NewRouter()
	r.Post(cluster.PathForward, a.handleForward)
	r.Post("/internal/disconnect", a.handleDisconnect)
	r.Get("/internal/status", a.handleStatus)
	return r
}

func (a *Agent) handleForward(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	typ, raw, err := cluster.DecodeFrame(body)
	if err != nil || typ != cluster.MsgForwardRequest {
		http.Error(w, "malformed frame", http.StatusBadRequest)
		return
	}
	var p cluster.ForwardRequestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	go a.execute(p)

	ack, _ := cluster.EncodeFrame(cluster.MsgHeartbeatAck, cluster.HeartbeatAckPayload{Pong: true})
	w.Header().Set("Content-Type", cluster.ContentType)
	_, _ = w.Write(ack)
}

// handleDisconnect lets the master evict this worker; the agent re-announces
// itself rather than exiting.
func (a *Agent) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	logx.Log.Info().Msg("master requested disconnect, scheduling re-handshake")
	select {
	case a.reconnectCh <- struct{}{}:
	default:
	}
	ack, _ := cluster.EncodeFrame(cluster.MsgHeartbeatAck, cluster.HeartbeatAckPayload{Pong: true})
	w.Header().Set("Content-Type", cluster.ContentType)
	_, _ = w.Write(ack)
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := struct {
		WorkerID      string   `json:"worker_id"`
		Models        []string `json:"models"`
		UptimeSeconds int64    `json:"uptime_seconds"`
		CPUPercent    float64  `json:"cpu_percent"`
		MemPercent    float64  `json:"mem_percent"`
	}{
		WorkerID:      a.ID,
		Models:        a.rtr.ListAll(),
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		status.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemPercent = vm.UsedPercent
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// execute runs a forwarded request against the local router, drains the
// provider and posts the result back to the master.
func (a *Agent) execute(p cluster.ForwardRequestPayload) {
	prov := provider.New(provider.DefaultTimeout)
	if err := a.route(p, prov); err != nil {
		a.sendError(p.RequestID, "model_not_found", err.Error())
		return
	}

	var chunks []cluster.ResponseChunk
	for {
		c, ok := prov.WaitPopFor(drainPoll)
		if !ok {
			if prov.IsEnded() {
				break
			}
			continue
		}
		if c.IsEnd() {
			break
		}
		if c.IsError() {
			a.sendError(p.RequestID, c.ErrorCode, c.ErrorMessage)
			return
		}
		chunks = append(chunks, serializeChunk(c))
	}

	body, err := cluster.EncodeWorkerResponse(chunks)
	if err != nil {
		a.sendError(p.RequestID, "worker_error", err.Error())
		return
	}
	a.sendResponse(cluster.ForwardResponsePayload{RequestID: p.RequestID, Response: body})
}

func (a *Agent) route(p cluster.ForwardRequestPayload, prov *provider.Provider) error {
	switch p.ModelType {
	case cluster.ModelChat:
		req, err := openai.ParseChatRequest(p.Request)
		if err != nil {
			return err
		}
		if !a.rtr.RouteChat(req, prov) {
			return fmt.Errorf("no chat model '%s'", req.Model)
		}
	case cluster.ModelEmbedding:
		req, err := openai.ParseEmbeddingRequest(p.Request)
		if err != nil {
			return err
		}
		if !a.rtr.RouteEmbedding(req, prov) {
			return fmt.Errorf("no embedding model '%s'", req.Model)
		}
	case cluster.ModelASR:
		var fwd cluster.ASRForwardRequest
		if err := json.Unmarshal(p.Request, &fwd); err != nil {
			return err
		}
		audio, err := base64.StdEncoding.DecodeString(fwd.Audio)
		if err != nil {
			return fmt.Errorf("malformed audio payload: %w", err)
		}
		req := openai.ASRRequest{
			Model:          fwd.Model,
			AudioData:      audio,
			Language:       fwd.Language,
			Prompt:         fwd.Prompt,
			ResponseFormat: fwd.ResponseFormat,
			Temperature:    fwd.Temperature,
		}
		if !a.rtr.RouteASR(req, prov) {
			return fmt.Errorf("no transcription model '%s'", req.Model)
		}
	case cluster.ModelTTS:
		req, err := openai.ParseTTSRequest(p.Request)
		if err != nil {
			return err
		}
		if !a.rtr.RouteTTS(req, prov) {
			return fmt.Errorf("no speech model '%s'", req.Model)
		}
	case cluster.ModelImageGen:
		req, err := openai.ParseImageGenRequest(p.Request)
		if err != nil {
			return err
		}
		if !a.rtr.RouteImageGen(req, prov) {
			return fmt.Errorf("no image model '%s'", req.Model)
		}
	default:
		return fmt.Errorf("unknown model type %d", p.ModelType)
	}
	return nil
}

func serializeChunk(c chunk.Chunk) cluster.ResponseChunk {
	switch c.Kind {
	case chunk.KindTextDelta:
		return cluster.ResponseChunk{Text: c.Text, IsDelta: true, FinishReason: c.FinishReason()}
	case chunk.KindEmbedding:
		return cluster.ResponseChunk{Embeddings: [][]float32{c.Embedding}}
	case chunk.KindEmbeddings:
		return cluster.ResponseChunk{Embeddings: c.Embeddings}
	case chunk.KindAudioBytes, chunk.KindImageBytes:
		return cluster.ResponseChunk{BytesB64: base64.StdEncoding.EncodeToString(c.Bytes), MimeType: c.MimeType}
	default:
		return cluster.ResponseChunk{Text: c.Text}
	}
}

func (a *Agent) sendError(requestID, code, message string) {
	body, _ := json.Marshal(cluster.ErrorPayload{ErrorCode: code, ErrorMessage: message})
	a.sendResponse(cluster.ForwardResponsePayload{RequestID: requestID, Response: body, IsError: true})
}

func (a *Agent) sendResponse(p cluster.ForwardResponsePayload) {
	frame, err := cluster.EncodeFrame(cluster.MsgForwardResponse, p)
	if err != nil {
		logx.Log.Error().Err(err).Msg("encode forward response")
		return
	}
	resp, err := a.client.Post(a.masterURL()+cluster.PathResponse, cluster.ContentType, bytes.NewReader(frame))
	if err != nil {
		logx.Log.Error().Err(err).Str("request_id", p.RequestID).Msg("deliver forward response")
		return
	}
	_ = resp.Body.Close()
}

// localIP returns the first non-loopback IPv4 address, falling back to
// 127.0.0.1 on hosts with no external interface.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
