// Package ui renders the paper reader's terminal output.
package ui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

var (
	infoColor    = color.New(color.FgCyan)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	stageColor   = color.New(color.FgMagenta, color.Bold)
	promptColor  = color.New(color.FgBlue, color.Bold)
)

// Init applies global output flags.
func Init(noColor bool) {
	if noColor {
		color.NoColor = true
	}
}

// Info displays an informational message.
func Info(format string, args ...any) {
	infoColor.Fprintf(os.Stdout, "ℹ %s\n", fmt.Sprintf(format, args...))
}

// Success displays a success message.
func Success(format string, args ...any) {
	successColor.Fprintf(os.Stdout, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Warning displays a warning message.
func Warning(format string, args ...any) {
	warnColor.Fprintf(os.Stdout, "⚠ %s\n", fmt.Sprintf(format, args...))
}

// Error displays an error message to stderr.
func Error(format string, args ...any) {
	errorColor.Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
}

// Stage prints the current reading stage as a header.
func Stage(name string) {
	stageColor.Fprintf(os.Stdout, "── %s ──\n", name)
}

// Prompt prints the input marker.
func Prompt() {
	promptColor.Fprint(os.Stdout, "> ")
}

// Table displays rows under headers in aligned columns.
func Table(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = strings.Repeat("-", len(headers[i]))
	}
	fmt.Fprintln(tw, strings.Join(sep, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

// Spinner shows progress while a turn runs. Its message may be updated from
// any goroutine.
type Spinner struct {
	spinner *spinner.Spinner
}

// NewSpinner creates a stopped spinner writing to stderr.
func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	return &Spinner{spinner: s}
}

func (s *Spinner) Start() { s.spinner.Start() }
func (s *Spinner) Stop()  { s.spinner.Stop() }

// Update replaces the spinner message.
func (s *Spinner) Update(message string) {
	s.spinner.Lock()
	s.spinner.Suffix = " " + message
	s.spinner.Unlock()
}

// Lines reads input lines until EOF. Long pasted paragraphs are accepted.
func Lines(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return sc
}
