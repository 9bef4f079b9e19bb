// Command danki runs the flashcard collections server.
package main

import (
	"context"
	"fmt"

	"github.com/patric-chuzhbe/danki/internal/app"
)

// Set with -ldflags "-X main.buildVersion=... -X main.buildDate=...".
var (
	buildVersion = "N/A"
	buildDate    = "N/A"
)

func main() {
	fmt.Printf("Build version: %s\nBuild date: %s\n", buildVersion, buildDate)
	if buildVersion != "N/A" {
		app.Version = buildVersion
	}

	ctx := context.Background()

	theApp, err := app.New(ctx)
	if err != nil {
		panic(err)
	}
	defer theApp.Close()

	if err := theApp.Run(ctx); err != nil {
		panic(err)
	}
}
