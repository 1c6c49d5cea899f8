// Command fastmcp-oauth runs the OAuth delegation gateway.
package main

import (
	"os"

	"github.com/gazzadownunder/fastmcp-oauth/cmd/fastmcp-oauth/app"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorf("fastmcp-oauth failed: %v", err)
		os.Exit(app.ExitCode(err))
	}
}
