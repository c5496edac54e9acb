// Package main is the entry point for the umauthd authorization server.
package main

import (
	"os"

	"github.com/stacklok/umauth/cmd/umauthd/app"
	"github.com/stacklok/umauth/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
