package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/tonimelisma/melisma/internal/auth"
)

// browserPrompter opens sign-in pages in the system browser. The URL is
// also written to out so headless users can copy it.
func browserPrompter(out io.Writer) auth.Prompter {
	return auth.PrompterFunc(func(ctx context.Context, url string) error {
		if out != nil {
			fmt.Fprintf(out, "Opening browser for sign-in...\nIf it does not open, visit:\n  %s\n", url)
		}
		return openBrowser(url)
	})
}

// loggingPrompter opens the browser and logs the URL instead of printing
// it, for use while the terminal UI owns the screen.
func loggingPrompter(log *slog.Logger) auth.Prompter {
	return auth.PrompterFunc(func(ctx context.Context, url string) error {
		log.Info("opening browser for sign-in", "url", url)
		return openBrowser(url)
	})
}

func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}
