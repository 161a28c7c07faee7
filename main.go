package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "porto/logger"
	"porto/pkg/config"
	"porto/pkg/engine"
)

// main boots the daemon: load the layered configuration, construct the
// Engine, restore every persisted container, and run until a shutdown
// signal arrives. The RPC front end a client would talk to is out of
// scope for this engine (spec.md); this is the process that would sit
// behind one.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Errorf("load config: %v", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Errorf("engine init: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		log.Errorf("engine run: %v", err)
		os.Exit(1)
	}
	log.Infof("porto: started")

	<-ctx.Done()
	log.Infof("porto: shutting down")
	if err := eng.Close(); err != nil {
		log.Warnf("engine close: %v", err)
	}
}
