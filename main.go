package main

import (
	"context"
	"log"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"

	"github.com/example/ciphertext-relay/internal/config"
	"github.com/example/ciphertext-relay/modules/relay"
	"github.com/example/ciphertext-relay/modules/wsserver"
)

func main() {
	log.Println("=== ciphertext relay ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(cfg.GracefulShutdownDeadline),
		mono.WithLogLevel(mono.LogLevelInfo),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	relayModule := relay.NewModule(relay.Config{
		KVURL:               cfg.KVURL,
		KVConnectTimeout:    cfg.KVConnectTimeout,
		KVMaxRetriesPerReq:  cfg.KVMaxRetriesPerReq,
		JoinTokenSecret:     cfg.JoinTokenSecret,
		RoomMaxParticipants: cfg.RoomMaxParticipants,
		RoomKeyTTL:          cfg.RoomKeyTTL,
		QRRotationInterval:  cfg.QRRotationInterval,
		MaxWSFrameBytes:     cfg.MaxWSFrameBytes,
		MaxCiphertextBytes:  cfg.MaxCiphertextBytes,
		MaxMsgsPer10s:       cfg.MaxMessagesPer10s,
		MaxBytesPer10s:      cfg.MaxBytesPer10s,
		MaxConnsPerIP:       cfg.MaxConnsPerIP,
		MaxTotalConnections: cfg.MaxTotalConnections,
		PingInterval:        cfg.PingInterval,
		PingTimeout:         cfg.PingTimeout,
	}, app.Logger())

	transportModule := wsserver.NewModule(":"+cfg.Port, relayModule, cfg.CORSAllowedOrigins, app.Logger())

	// relay must initialize (and hold a reachable KV connection) before
	// the transport module starts accepting sockets that depend on it.
	app.Register(relayModule)
	app.Register(transportModule)

	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	printStartupInfo(cfg.Port)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.GracefulShutdownDeadline,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
}

func printStartupInfo(port string) {
	log.Println("")
	log.Println("Application started successfully!")
	log.Println("")
	log.Printf("HTTP surface (http://localhost:%s):", port)
	log.Println("  POST   /rooms                      - create an empty room")
	log.Println("  GET    /rooms/:room_id/token        - mint a rotation token")
	log.Println("  GET    /health, /ready, /live        - liveness/readiness")
	log.Println("  GET    /metrics                     - aggregate counters")
	log.Println("")
	log.Printf("WebSocket endpoint: ws://localhost:%s/ws", port)
	log.Println("")
	log.Println("Press Ctrl+C to shutdown gracefully")
}
