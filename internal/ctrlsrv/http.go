package ctrlsrv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/oaic/core/logx"
	"github.com/gaspardpetit/oaic/internal/cluster"
)

// Mount registers the control-plane endpoints on r. Every endpoint speaks
// binary frames; a malformed frame gets a 400 and changes no state.
func (m *Manager) Mount(r chi.Router) {
	r.Post(cluster.PathHandshake, m.handleHandshake)
	r.Post(cluster.PathRegister, m.handleRegister)
	r.Post(cluster.PathHeartbeat, m.handleHeartbeat)
	r.Post(cluster.PathResponse, m.handleResponse)
	r.Post(cluster.PathDisconnect, m.handleDisconnect)
}

// readFrame decodes the request body as a frame of the expected type.
func readFrame(w http.ResponseWriter, r *http.Request, want cluster.MessageType, payload any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return false
	}
	typ, raw, err := cluster.DecodeFrame(body)
	if err != nil || typ != want {
		logx.Log.Debug().Err(err).Int("type", int(typ)).Msg("rejecting malformed control frame")
		http.Error(w, "malformed frame", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return false
	}
	return true
}

func writeFrame(w http.ResponseWriter, t cluster.MessageType, payload any) {
	b, err := cluster.EncodeFrame(t, payload)
	if err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", cluster.ContentType)
	_, _ = w.Write(b)
}

func (m *Manager) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var p cluster.HandshakePayload
	if !readFrame(w, r, cluster.MsgHandshake, &p) {
		return
	}
	if p.WorkerID == "" {
		http.Error(w, "malformed frame", http.StatusBadRequest)
		return
	}
	// Probes identify themselves but never register.
	if p.WorkerHost != "" && p.WorkerPort != 0 {
		m.RegisterWorker(p.WorkerID, p.WorkerHost, p.WorkerPort)
	}
	writeFrame(w, cluster.MsgHandshakeAck, cluster.HandshakeAckPayload{
		Accepted:   true,
		Message:    "welcome",
		MasterHost: m.masterHost,
		MasterPort: m.masterPort,
	})
}

func (m *Manager) handleRegister(w http.ResponseWriter, r *http.Request) {
	var p cluster.RegisterModelPayload
	if !readFrame(w, r, cluster.MsgRegisterModel, &p) {
		return
	}
	if p.WorkerHost != "" && p.WorkerPort != 0 {
		m.Heartbeat(p.WorkerID, p.WorkerHost, p.WorkerPort)
	}
	ok, msg := m.RegisterModel(p.WorkerID, p.ModelName, p.ModelType)
	writeFrame(w, cluster.MsgRegisterAck, cluster.RegisterAckPayload{Success: ok, Message: msg})
}

func (m *Manager) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var p cluster.HeartbeatPayload
	if !readFrame(w, r, cluster.MsgHeartbeat, &p) {
		return
	}
	if !m.Heartbeat(p.WorkerID, p.WorkerHost, p.WorkerPort) {
		// Unknown workers re-register via handshake; treat the beat as a
		// fresh registration when it carries an address.
		if p.WorkerHost != "" && p.WorkerPort != 0 {
			m.RegisterWorker(p.WorkerID, p.WorkerHost, p.WorkerPort)
		}
	}
	writeFrame(w, cluster.MsgHeartbeatAck, cluster.HeartbeatAckPayload{Pong: true})
}

func (m *Manager) handleResponse(w http.ResponseWriter, r *http.Request) {
	var p cluster.ForwardResponsePayload
	if !readFrame(w, r, cluster.MsgForwardResponse, &p) {
		return
	}
	m.HandleWorkerResponse(p)
	writeFrame(w, cluster.MsgHeartbeatAck, cluster.HeartbeatAckPayload{Pong: true})
}

func (m *Manager) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var p cluster.HandshakePayload
	if !readFrame(w, r, cluster.MsgDisconnect, &p) {
		return
	}
	m.UnregisterWorker(p.WorkerID)
	writeFrame(w, cluster.MsgHeartbeatAck, cluster.HeartbeatAckPayload{Pong: true})
}

// Handshake is the client half of the handshake exchange, shared by workers
// and the auto-mode probe.
func Handshake(client *http.Client, masterURL, workerID, host string, port int) (cluster.HandshakeAckPayload, error) {
	frame, err := cluster.EncodeFrame(cluster.MsgHandshake, cluster.HandshakePayload{
		WorkerID:   workerID,
		WorkerHost: host,
		WorkerPort: port,
		Timestamp:  time.Now().Unix(),
	})
	if err != nil {
		return cluster.HandshakeAckPayload{}, err
	}
	ack, err := postFrame(client, masterURL+cluster.PathHandshake, frame, cluster.MsgHandshakeAck)
	if err != nil {
		return cluster.HandshakeAckPayload{}, err
	}
	var p cluster.HandshakeAckPayload
	if err := json.Unmarshal(ack, &p); err != nil {
		return cluster.HandshakeAckPayload{}, err
	}
	return p, nil
}

func postFrame(client *http.Client, url string, frame []byte, want cluster.MessageType) ([]byte, error) {
	resp, err := client.Post(url, cluster.ContentType, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	typ, raw, err := cluster.DecodeFrame(body)
	if err != nil {
		return nil, err
	}
	if typ != want {
		return nil, fmt.Errorf("unexpected reply type %d", typ)
	}
	return raw, nil
}
