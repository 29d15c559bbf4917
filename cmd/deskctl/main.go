package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/deskctl/internal/backend"
	"github.com/danmuck/deskctl/internal/logging"
	"github.com/danmuck/deskctl/internal/worker"
	"github.com/gin-gonic/gin"
)

func main() {
	logging.ConfigureRuntime()
	gin.SetMode(gin.ReleaseMode)

	// A spawned worker runs as a plain worker whatever its argv says.
	if worker.IsWorkerProcess() {
		os.Exit(runWorker())
	}
	os.Exit(execute(os.Args[1:]))
}

func runWorker() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := backend.RunWorker(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "deskctl worker: %v\n", err)
		return 1
	}
	return 0
}
