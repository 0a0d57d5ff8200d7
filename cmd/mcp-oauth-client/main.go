// Command mcp-oauth-client registers with an MCP OAuth server, runs the
// browser authorization flow and calls the protected resource with the
// resulting tokens.
package main

import (
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
