// Package main provides the flowrun command line: run, validate, plan and
// schedule workflow definition files.
package main

import (
	"context"
	"os"

	"github.com/dukex/flowrun/pkg/log"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.WithModule("flowrun").Error("flowrun failed", "error", err)
		os.Exit(1)
	}
}
