// Package gateway assembles the binaries' top-level wiring: the master
// (public API plus cluster control plane), the worker, and the auto mode
// that picks between them.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/oaic/core/logx"
	"github.com/gaspardpetit/oaic/core/secret"
	"github.com/gaspardpetit/oaic/internal/agent"
	"github.com/gaspardpetit/oaic/internal/chunk"
	"github.com/gaspardpetit/oaic/internal/cluster"
	"github.com/gaspardpetit/oaic/internal/config"
	"github.com/gaspardpetit/oaic/internal/ctrlsrv"
	"github.com/gaspardpetit/oaic/internal/httpapi"
	"github.com/gaspardpetit/oaic/internal/metrics"
	"github.com/gaspardpetit/oaic/internal/openai"
	"github.com/gaspardpetit/oaic/internal/provider"
	"github.com/gaspardpetit/oaic/internal/router"
)

var registerMetricsOnce sync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		metrics.Register(prometheus.DefaultRegisterer)
	})
}

// RunAuto binds the public port when it is free and becomes the master;
// otherwise it probes for a local master on the paired control port and
// joins as a worker. Neither working is a hard failure.
func RunAuto(ctx context.Context, cfg config.ServerConfig) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err == nil {
		logx.Log.Info().Int("port", cfg.Port).Msg("port is free, running as master")
		return RunMaster(ctx, cfg, ln)
	}
	if probeMaster(cfg.ControlPort()) {
		logx.Log.Info().Int("port", cfg.Port).Int("control_port", cfg.ControlPort()).Msg("master detected, running as worker")
		wcfg := config.WorkerConfig{
			MasterHost: "127.0.0.1",
			MasterPort: cfg.ControlPort(),
			Models:     cfg.Models,
		}
		wcfg.SetDefaults()
		return RunWorker(ctx, wcfg)
	}
	return fmt.Errorf("port %d is in use and no master answered on control port %d", cfg.Port, cfg.ControlPort())
}

// probeMaster performs a handshake without registering.
func probeMaster(controlPort int) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d", controlPort)
	ack, err := ctrlsrv.Handshake(client, url, "probe", "", 0)
	return err == nil && ack.Accepted
}

// RunMaster serves the public API on ln and the cluster control plane on the
// paired control port, blocking until ctx is cancelled.
func RunMaster(ctx context.Context, cfg config.ServerConfig, ln net.Listener) error {
	registerMetrics()
	if cfg.APIKey != "" {
		logx.Log.Info().Str("api_key", secret.Mask(cfg.APIKey)).Msg("client auth enabled")
	}

	rtr := router.New()
	local := RegisterMocks(rtr, cfg.Models)

	mgr := ctrlsrv.NewManager("127.0.0.1", cfg.ControlPort())
	mgr.LocalHas = func(name string) bool {
		_, ok := local[name]
		return ok
	}
	mgr.OnModelRegistered = func(name string, mt cluster.ModelType, workerID string) {
		registerRemote(rtr, mgr, name, mt)
	}
	mgr.OnModelUnregistered = func(name string) {
		if _, ok := local[name]; !ok {
			rtr.Unregister(name)
		}
	}

	ctrlLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ControlPort()))
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("bind control port %d: %w", cfg.ControlPort(), err)
	}

	mgr.Start()
	defer mgr.Stop()

	ctrlMux := chi.NewRouter()
	mgr.Mount(ctrlMux)
	ctrlSrv := &http.Server{Handler: ctrlMux}

	front := httpapi.New(httpapi.Config{
		APIKey:         cfg.APIKey,
		MaxConcurrency: cfg.MaxConcurrency,
		WaitTimeout:    cfg.WaitTimeout,
		RequestTimeout: cfg.RequestTimeout,
	}, rtr)
	apiSrv := &http.Server{Handler: front.Handler()}

	errCh := make(chan error, 2)
	go func() { errCh <- apiSrv.Serve(ln) }()
	go func() { errCh <- ctrlSrv.Serve(ctrlLn) }()
	logx.Log.Info().Int("port", cfg.Port).Int("control_port", cfg.ControlPort()).Msg("master online")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = apiSrv.Shutdown(shutdownCtx)
		_ = ctrlSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		_ = apiSrv.Close()
		_ = ctrlSrv.Close()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// RunWorker serves the configured models for a remote master, blocking until
// ctx is cancelled.
func RunWorker(ctx context.Context, cfg config.WorkerConfig) error {
	rtr := router.New()
	modalities := RegisterMocks(rtr, cfg.Models)
	specs := make([]agent.ModelSpec, 0, len(cfg.Models))
	for _, name := range cfg.Models {
		specs = append(specs, agent.ModelSpec{Name: name, Type: modalities[name]})
	}

	a := agent.New(agent.Config{
		Name:          cfg.Name,
		MasterHost:    cfg.MasterHost,
		MasterPort:    cfg.MasterPort,
		ListenHost:    cfg.ListenHost,
		ListenPort:    cfg.ListenPort,
		AdvertiseHost: cfg.AdvertiseHost,
	}, rtr, specs)
	if cfg.HeartbeatInterval > 0 {
		a.HeartbeatEvery = cfg.HeartbeatInterval
	}
	return a.Run(ctx)
}

// registerRemote mirrors a worker's model into the local router so the
// public API can serve it transparently.
func registerRemote(rtr *router.Router, mgr *ctrlsrv.Manager, name string, mt cluster.ModelType) {
	fail := func(p *provider.Provider) {
		p.Push(chunk.Error("model_not_found", fmt.Sprintf("model '%s' is no longer available", name)))
		p.End()
	}
	switch mt {
	case cluster.ModelEmbedding:
		rtr.RegisterEmbedding(name, func(req openai.EmbeddingRequest, p *provider.Provider) {
			if !mgr.Forward(req.Model, mt, req.Raw, p) {
				fail(p)
			}
		})
	case cluster.ModelASR:
		rtr.RegisterASR(name, func(req openai.ASRRequest, p *provider.Provider) {
			fwd, err := json.Marshal(cluster.ASRForwardRequest{
				Model:          req.Model,
				Language:       req.Language,
				Prompt:         req.Prompt,
				ResponseFormat: req.ResponseFormat,
				Temperature:    req.Temperature,
				Audio:          base64.StdEncoding.EncodeToString(req.AudioData),
			})
			if err != nil || !mgr.Forward(req.Model, mt, fwd, p) {
				fail(p)
			}
		})
	case cluster.ModelTTS:
		rtr.RegisterTTS(name, func(req openai.TTSRequest, p *provider.Provider) {
			if !mgr.Forward(req.Model, mt, req.Raw, p) {
				fail(p)
			}
		})
	case cluster.ModelImageGen:
		rtr.RegisterImageGen(name, func(req openai.ImageGenRequest, p *provider.Provider) {
			if !mgr.Forward(req.Model, mt, req.Raw, p) {
				fail(p)
			}
		})
	default:
		rtr.RegisterChat(name, func(req openai.ChatRequest, p *provider.Provider) {
			if !mgr.Forward(req.Model, mt, req.Raw, p) {
				fail(p)
			}
		})
	}
}
