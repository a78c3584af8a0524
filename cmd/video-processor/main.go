// Package main is the entry point for the video-processor application.
package main

import (
	"os"

	"github.com/SimonGino/video-processor/cmd/video-processor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
