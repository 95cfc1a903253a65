// Package cli implements the cosedit command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"coseditor/internal/buffer"
	"coseditor/internal/clock"
	"coseditor/internal/config"
	"coseditor/internal/cos"
	"coseditor/internal/journal"
	"coseditor/internal/logging"
)

// RootOptions holds global flags and the state every command shares.
type RootOptions struct {
	ConfigPath string
	APIURL     string
	TenantID   string
	Format     string
	Verbose    bool

	// Clock replaces the wall clock of engines and pollers when set.
	Clock clock.Clock

	cfg    *config.Config
	logger *logging.Logger
}

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the cosedit root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cosedit",
		Short: "Edit manuscript chapters stored in COS",
		Long: `cosedit opens chapters of a COS manuscript, keeps a local buffer in sync
with the store using compare-and-swap writes, and promotes drafts to live.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				opts.logger.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default: platform config dir)")
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api-url", "", "store API URL (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.TenantID, "tenant", "", "tenant id (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newOpenCommand(opts))
	cmd.AddCommand(newSaveCommand(opts))
	cmd.AddCommand(newAcceptCommand(opts))
	cmd.AddCommand(newRevertCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newBooksCommand(opts))
	cmd.AddCommand(newHealthCommand(opts))
	cmd.AddCommand(newCaptureCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newEditCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// setup loads the configuration, applies flag overrides and builds the
// logger.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	if o.ConfigPath == "" {
		o.ConfigPath = config.ConfigPath()
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	o.cfg = config.Merge(cfg, &config.Config{
		Remote: config.RemoteConfig{APIURL: o.APIURL, TenantID: o.TenantID},
	})

	lc, err := logging.FromSettings(o.cfg.Logging.Level, o.cfg.Logging.Format, o.cfg.Logging.Output, o.cfg.Logging.FilePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid logging settings", err)
	}
	if o.Verbose {
		lc.Level = logging.LevelDebug
	}
	if lc.Output == "stderr" {
		lc.Writer = cmd.ErrOrStderr()
	}

	l, err := logging.New(lc)
	if err != nil {
		return WrapExitError(ExitCommandError, "setup logging", err)
	}
	o.logger = l
	logging.SetDefault(l)
	return nil
}

func (o *RootOptions) log() *slog.Logger {
	if o.logger == nil {
		return slog.Default()
	}
	return o.logger.Logger
}

func (o *RootOptions) printer(cmd *cobra.Command) Printer {
	return Printer{Format: o.Format, W: cmd.OutOrStdout()}
}

func (o *RootOptions) client() *cos.Client {
	return cos.New(o.cfg.Remote.APIURL, o.cfg.Remote.TenantID,
		cos.WithTimeout(o.cfg.RequestTimeout()),
		cos.WithLogger(o.log()),
	)
}

// openJournal opens the version journal when it is enabled. Failures are
// logged and leave the command running without one.
func (o *RootOptions) openJournal(ctx context.Context) *journal.Journal {
	if !o.cfg.Journal.Enabled {
		return nil
	}
	opts := []journal.Option{journal.WithLogger(o.log())}
	if o.Clock != nil {
		opts = append(opts, journal.WithClock(o.Clock))
	}
	j, err := journal.Open(ctx, o.cfg.Journal.Path, opts...)
	if err != nil {
		o.log().Warn("journal unavailable", "path", o.cfg.Journal.Path, "error", err)
		return nil
	}
	return j
}

func (o *RootOptions) engine(store buffer.Store, j *journal.Journal, extra ...buffer.Option) *buffer.Engine {
	opts := []buffer.Option{
		buffer.WithLogger(o.log()),
		buffer.WithAutosaveDelay(o.cfg.AutosaveDelay()),
		buffer.WithActor(o.cfg.Buffer.Actor),
	}
	if o.Clock != nil {
		opts = append(opts, buffer.WithClock(o.Clock))
	}
	if j != nil {
		opts = append(opts, buffer.WithRecorder(j))
	}
	return buffer.New(store, append(opts, extra...)...)
}

// parseRef accepts either "book/section/slug" or three arguments.
func parseRef(args []string) (cos.ChapterRef, error) {
	parts := args
	if len(args) == 1 {
		parts = strings.Split(strings.Trim(args[0], "/"), "/")
	}
	if len(parts) != 3 {
		return cos.ChapterRef{}, NewExitError(ExitCommandError, "expected <book>/<section>/<slug> or three arguments")
	}
	sec, err := cos.ParseSection(parts[1])
	if err != nil {
		return cos.ChapterRef{}, WrapExitError(ExitCommandError, "invalid chapter", err)
	}
	ref := cos.ChapterRef{BookID: parts[0], Section: sec, Slug: parts[2]}
	if err := ref.Validate(); err != nil {
		return cos.ChapterRef{}, WrapExitError(ExitCommandError, "invalid chapter", err)
	}
	return ref, nil
}

var refArgs = cobra.RangeArgs(1, 3)

// storeError maps store failures onto exit codes. Invalid operations on
// the buffer are usage errors; everything the store refused is a failure.
func storeError(message string, err error) error {
	var re *cos.RemoteError
	switch {
	case errors.Is(err, buffer.ErrNotDraftMode), errors.Is(err, buffer.ErrNoDraftRevision), errors.Is(err, buffer.ErrNoBuffer):
		return WrapExitError(ExitCommandError, message, err)
	case errors.As(err, &re) && re.StatusCode == 0:
		return WrapExitError(ExitFailure, message+" (store unreachable)", err)
	}
	return WrapExitError(ExitFailure, message, err)
}

func printState(w io.Writer, st buffer.State, withContent bool) {
	fmt.Fprintf(w, "%s (%s)\n", st.Ref(), st.Mode)
	fmt.Fprintf(w, "Title:     %s\n", st.Title)
	fmt.Fprintf(w, "Head:      %s\n", st.HeadHash)
	fmt.Fprintf(w, "Live head: %s\n", st.LiveHeadHash)
	fmt.Fprintf(w, "Words:     %d\n", st.WordCount)
	if st.Dirty {
		fmt.Fprintln(w, "Unsaved changes")
	}
	if withContent {
		fmt.Fprintln(w)
		fmt.Fprintln(w, st.Content)
	}
}

func (o *RootOptions) now() time.Time {
	if o.Clock != nil {
		return o.Clock.Now()
	}
	return time.Now()
}
