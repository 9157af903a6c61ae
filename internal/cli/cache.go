package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cruciblehq/kiln/internal/cache"
)

// Represents the 'kiln cache' command group.
type CacheCmd struct {
	Ls    CacheLsCmd    `cmd:"" help:"List cached dependency layers."`
	Prune CachePruneCmd `cmd:"" help:"Remove entries not used recently."`
}

// Represents the 'kiln cache ls' command.
type CacheLsCmd struct{}

func (c *CacheLsCmd) Run(ctx context.Context) error {
	store, err := openCache()
	if err != nil {
		return err
	}

	entries, err := store.List()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tLAYERS\tSIZE\tLAST USED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", shortKey(e), len(e.Layers), humanSize(entrySize(e)), e.LastUsed.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// Represents the 'kiln cache prune' command.
type CachePruneCmd struct {
	OlderThan time.Duration `default:"720h" help:"Remove entries unused for longer than this."`
}

func (c *CachePruneCmd) Run(ctx context.Context) error {
	store, err := openCache()
	if err != nil {
		return err
	}

	removed, err := store.Prune(c.OlderThan)
	for _, key := range removed {
		fmt.Println(key)
	}
	return err
}

func shortKey(e *cache.Entry) string {
	s := e.Key.Encoded()
	if len(s) > 12 {
		s = s[:12]
	}
	return s
}

func entrySize(e *cache.Entry) int64 {
	var n int64
	for _, l := range e.Layers {
		n += l.Size
	}
	return n
}

// Formats n bytes with a binary unit ("1.5 MiB").
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
