package cli

import (
	"io"
	"log/slog"

	"github.com/charmbracelet/log"
	"github.com/cruciblehq/kiln/internal"
	"github.com/mattn/go-isatty"
)

// Creates the program logger writing to w.
//
// Terminals get the colored text format. Anything else, such as a log file
// or a pipe, gets logfmt. Verbose mode adds timestamps.
func NewLogger(w io.Writer, level slog.Level, verbose bool) *slog.Logger {
	formatter := log.LogfmtFormatter
	if isTerminal(w) {
		formatter = log.TextFormatter
	}

	logger := log.NewWithOptions(w, log.Options{
		Prefix:          internal.Name,
		Level:           log.Level(level),
		ReportTimestamp: verbose,
		Formatter:       formatter,
	})
	return slog.New(logger)
}

// Whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
