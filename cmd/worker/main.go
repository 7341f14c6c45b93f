package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BaardBouvet/dynamic-tables-ducklake/app/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := worker.Initialize(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker init:", err)
		os.Exit(1)
	}
	app.Start(ctx)
}
