package progressview

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// runPlain renders one line per update, the fallback for non-interactive
// output (a pipe, log file, or CI runner — none of which can redraw in
// place).
func runPlain(ctx context.Context, out io.Writer, updates <-chan Update) error {
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			elapsed := time.Since(start).Round(time.Second)
			if u.Pct >= 0 {
				fmt.Fprintf(out, "[%s] %-28s %-10s %3d%% %s\n", elapsed, u.Name, u.State, u.Pct, u.Detail)
			} else {
				fmt.Fprintf(out, "[%s] %-28s %-10s %s\n", elapsed, u.Name, u.State, u.Detail)
			}
		}
	}
}

// FormatSize renders a byte count the way the CLI reports final artifact
// sizes (e.g. "14 kB" for a compiled firmware image), rather than a raw
// byte count that means nothing at a glance.
func FormatSize(bytes int64) string {
	return humanize.Bytes(uint64(bytes))
}
