package client

import (
	"fmt"
	"os/exec"
	"runtime"
)

// Opener presents the authorization URL to the user
type Opener func(authURL string) error

// OpenBrowser opens authURL in the default web browser on Linux, macOS and
// Windows. It does not wait for the browser to exit.
func OpenBrowser(authURL string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", authURL)
	case "darwin":
		cmd = exec.Command("open", authURL)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", authURL)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}
