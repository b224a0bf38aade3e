package oauthflow

import (
	"fmt"
	"os/exec"
	"runtime"
)

// openBrowser launches url in the platform's default browser. There is no
// third-party opener in the teacher's dependency stack or the rest of the
// retrieval pack, so this falls back to the small per-OS os/exec incantation
// every CLI OAuth flow in the wild ends up writing.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	return nil
}
