package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobmcallan/fhegate/internal/app"
	"github.com/bobmcallan/fhegate/internal/common"
	"github.com/bobmcallan/fhegate/internal/worker"
)

func main() {
	configPath := os.Getenv("FHEGATE_CONFIG")

	a, err := app.NewApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner(a.Config, a.Logger, "worker")

	pool := worker.NewPool(
		a.Broker,
		a.Results,
		a.Registry,
		a.Files,
		a.Logger,
		a.Config.Worker,
		a.Config.Broker.GetVisibilityTimeout(),
	)
	pool.Start()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.Logger.Info().Msg("Shutdown signal received")

	pool.Stop()
	a.Close()
	common.PrintShutdownBanner(a.Logger)
}
