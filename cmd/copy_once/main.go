package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgnsrekt/pagecopy/internal/clipboard"
	"github.com/dgnsrekt/pagecopy/internal/config"
	"github.com/dgnsrekt/pagecopy/internal/control"
	"github.com/dgnsrekt/pagecopy/internal/headless"
	"github.com/dgnsrekt/pagecopy/internal/target"
	"github.com/dgnsrekt/pagecopy/internal/textclean"
	"github.com/spf13/cobra"
)

var (
	pageURL     string
	controlID   string
	toStdout    bool
	cdpURL      string
	targetsFile string
	timeout     time.Duration
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "copy_once --url URL",
	Short: "Copy cleaned article text from one page",
	Long: `Loads a page in a browser, reads the rendered text of the first configured
target that has content, strips the trailing "Bookmark" marker and writes the
result to the system clipboard (or stdout with --stdout).`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCopyOnce,
}

func init() {
	rootCmd.Flags().StringVar(&pageURL, "url", "", "page to load (required)")
	rootCmd.Flags().StringVar(&controlID, "control", "", "only use the target bound to this control id")
	rootCmd.Flags().BoolVar(&toStdout, "stdout", false, "print the text instead of writing the clipboard")
	rootCmd.Flags().StringVar(&cdpURL, "cdp-url", "", "attach to a running browser (e.g. http://127.0.0.1:9220) instead of starting a headless one")
	rootCmd.Flags().StringVar(&targetsFile, "targets-file", os.Getenv("COPIER_TARGETS_FILE"), "YAML target descriptor file")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "overall page load and extraction timeout")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	_ = rootCmd.MarkFlagRequired("url")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "copy_once:", err)
		os.Exit(1)
	}
}

func runCopyOnce(cmd *cobra.Command, _ []string) error {
	setupLogger(cmd.ErrOrStderr(), logLevel)

	targets, err := config.ResolveTargets(targetsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := headless.Open(ctx, pageURL, headless.Options{CDPURL: cdpURL, Timeout: timeout})
	if err != nil {
		return err
	}
	defer session.Close()

	var w clipboard.Writer = clipboard.NewSystem()
	if toStdout {
		w = clipboard.Func(func(text string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), text)
			return err
		})
	}

	res, err := copyFirst(session, targets, controlID, w)
	if err != nil {
		return err
	}
	if !toStdout {
		cmd.PrintErrf("%s %d characters from %s\n", control.Success.Label(""), res.chars, res.desc.Locator)
	}
	return nil
}

// extractor is the part of a headless session copyFirst needs.
type extractor interface {
	Extract(loc target.Locator) (headless.Result, error)
}

type copyResult struct {
	desc  target.Descriptor
	chars int
}

// copyFirst writes the cleaned text of the first target with content. When
// onlyControl is set only that target is tried.
func copyFirst(ex extractor, targets []target.Descriptor, onlyControl string, w clipboard.Writer) (copyResult, error) {
	if onlyControl != "" {
		d, ok := target.Find(targets, onlyControl)
		if !ok {
			return copyResult{}, fmt.Errorf("unknown control %q", onlyControl)
		}
		targets = []target.Descriptor{d}
	}

	var misses []string
	for _, d := range targets {
		res, err := ex.Extract(d.Locator)
		state := control.Idle
		switch {
		case err != nil:
			slog.Error("target lookup failed", "target", d.Locator.String(), "error", err)
			state = control.NotFound
		case !res.Found:
			state = control.NotFound
		case textclean.IsBlank(res.Text):
			state = control.Empty
		}
		if state != control.Idle {
			misses = append(misses, fmt.Sprintf("%s: %s", d.Locator, state.Label(d.Label)))
			continue
		}

		text := textclean.Clean(res.Text)

		if err := w.Write(text); err != nil {
			return copyResult{}, fmt.Errorf("%s: %w", control.Failed.Label(d.Label), err)
		}
		slog.Info("Text copied", "target", d.Locator.String(), "chars", len([]rune(text)))
		return copyResult{desc: d, chars: len([]rune(text))}, nil
	}
	return copyResult{}, errors.New(strings.Join(misses, "; "))
}

func setupLogger(w io.Writer, level string) {
	var slogLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slogLevel})))
}
