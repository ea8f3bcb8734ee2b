// Package browser opens URLs in the user's default web browser.
package browser

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/pkg/browser"
)

// OpenURL opens the given URL in the default browser.
func OpenURL(url string) error {
	return browser.OpenURL(url)
}

// IsAvailable reports whether a browser can plausibly be opened in this
// environment. Headless hosts without a display get a manual-URL fallback.
func IsAvailable() bool {
	switch runtime.GOOS {
	case "darwin", "windows":
		return true
	default:
		if os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
			return false
		}
		_, err := exec.LookPath("xdg-open")
		return err == nil
	}
}
