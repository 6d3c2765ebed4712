package main

import (
	"context"
	"log"
	"net/http"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"

	vmconfig "github.com/videomesh/videomesh/config"
	"github.com/videomesh/videomesh/internal/engine"
	"github.com/videomesh/videomesh/internal/signal"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[vmconfig.ServiceConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, srv := frame.NewService(
		frame.WithConfig(&cfg),
		frame.WithName("videomesh"),
	)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	eng := engine.NewPion(engine.Options{
		ListenIP:         cfg.ListenIP,
		AnnouncedIP:      cfg.AnnouncedIP,
		MinPort:          cfg.RTCMinPort,
		MaxPort:          cfg.RTCMaxPort,
		Workers:          cfg.WorkerCount,
		CodecProfilePath: cfg.CodecProfilePath,
	})
	if err := eng.Initialize(ctx); err != nil {
		log.Fatalf("initializing media engine: %v", err)
	}

	sig := signal.NewServer(eng, pool, signal.Options{
		HandshakeTimeout: cfg.HandshakeTimeout(),
		SendQueueSize:    cfg.SendQueueSize,
		WorkerGrace:      cfg.WorkerGrace(),
		PingInterval:     cfg.PingInterval(),
	})
	defer sig.Shutdown(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", sig.WSHandler())
	mux.Handle("/stats", sig.StatsHandler())

	srv.Init(ctx, frame.WithHTTPHandler(mux))

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
