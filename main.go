package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"project-governor/internal/app"
	"project-governor/internal/config"
)

func main() {
	configPath := flag.String("config", "governor.yaml", "path to the YAML config file")
	listen := flag.String("listen", "", "override the control server address")
	flag.Parse()

	settings, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}
	if *listen != "" {
		settings.ListenAddr = *listen
	}

	governor, err := app.New(settings, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error initializing governor:", err)
		os.Exit(1)
	}

	ctx, cancel := app.WaitForSignals(context.Background(), governor.Logger())
	defer cancel()

	if err := governor.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error starting governor:", err)
		os.Exit(1)
	}
	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := governor.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, "Error during shutdown:", err)
		os.Exit(1)
	}
}
