package healthctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/careforge/healthlink/pkg/shellauth"
)

// ConsoleBroker is a BrowserAuthBroker for terminal use: it prints the
// consent URL for the user to open in a browser, then reads the final
// redirect URL back from the terminal. EOF or a blank line counts as the
// user cancelling.
type ConsoleBroker struct {
	In  io.Reader
	Out io.Writer
}

func (b *ConsoleBroker) Authenticate(ctx context.Context, startURL *url.URL, isComplete func(*url.URL) bool) (*url.URL, error) {
	fmt.Fprintf(b.Out, "Open this URL in your browser and complete the sign-in flow:\n\n  %s\n\n", startURL)
	fmt.Fprintf(b.Out, "Paste the final redirect URL here (blank to cancel): ")

	lines := bufio.NewScanner(b.In)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !lines.Scan() {
			return nil, shellauth.ErrCancelled
		}
		text := strings.TrimSpace(lines.Text())
		if text == "" {
			return nil, shellauth.ErrCancelled
		}

		u, err := url.Parse(text)
		if err != nil {
			fmt.Fprintf(b.Out, "Not a valid URL, try again: ")
			continue
		}
		if !isComplete(u) {
			fmt.Fprintf(b.Out, "That URL is not the completed flow's redirect, try again: ")
			continue
		}
		return u, nil
	}
}
