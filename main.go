package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kalbasit/dbleader/pkg/dbleader"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	c, err := dbleader.New()
	if err != nil {
		log.Printf("error creating the application: %s", err)

		return 1
	}

	// the lock is released and the handlers stopped on SIGINT and SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx, os.Args); err != nil {
		log.Printf("error running the application: %s", err)

		return 1
	}

	return 0
}
