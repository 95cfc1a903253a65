package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"coseditor/internal/buffer"
	"coseditor/internal/cos"
)

type openOptions struct {
	*RootOptions
	Mode    string
	Content bool
	Last    bool
}

func newOpenCommand(root *RootOptions) *cobra.Command {
	opts := &openOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "open <book>/<section>/<slug>",
		Short: "Load a chapter and show its buffer state",
		Long: `Load a chapter from the store the way the editor would.

In draft mode the draft is loaded when one exists, otherwise the live
chapter seeds the buffer.

Example:
  cosedit open novel/body/opening --mode draft --content
  cosedit open --last`,
		Args: cobra.RangeArgs(0, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpen(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Mode, "mode", "m", "live", "buffer mode (live|draft)")
	cmd.Flags().BoolVar(&opts.Content, "content", false, "print the chapter content")
	cmd.Flags().BoolVar(&opts.Last, "last", false, "reopen the last opened chapter")
	return cmd
}

func runOpen(cmd *cobra.Command, opts *openOptions, args []string) error {
	ctx := cmd.Context()
	j := opts.openJournal(ctx)
	if j != nil {
		defer j.Close()
	}

	var (
		ref  cos.ChapterRef
		mode buffer.Mode
		err  error
	)
	switch {
	case opts.Last && len(args) == 0:
		if j == nil {
			return NewExitError(ExitCommandError, "--last needs the journal to be enabled")
		}
		lo, err := j.GetLastOpened(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "read last opened chapter", err)
		}
		if lo == nil {
			return NewExitError(ExitCommandError, "no chapter has been opened yet")
		}
		ref = lo.Ref
		if mode, err = buffer.ParseMode(lo.Mode); err != nil {
			return WrapExitError(ExitCommandError, "invalid mode", err)
		}
	default:
		if ref, err = parseRef(args); err != nil {
			return err
		}
		if mode, err = buffer.ParseMode(opts.Mode); err != nil {
			return WrapExitError(ExitCommandError, "invalid mode", err)
		}
	}

	e := opts.engine(opts.client(), j)
	defer e.Close()

	st, err := e.Open(ctx, ref, mode)
	if err != nil {
		return storeError("open "+ref.String(), err)
	}
	if j != nil {
		if err := j.SetLastOpened(ctx, ref, string(mode)); err != nil {
			opts.log().Warn("remember last opened chapter", "error", err)
		}
	}

	return opts.printer(cmd).Print(st, func(w io.Writer) { printState(w, st, opts.Content) })
}

type saveOptions struct {
	*RootOptions
	Mode  string
	File  string
	Force bool
}

func newSaveCommand(root *RootOptions) *cobra.Command {
	opts := &saveOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "save <book>/<section>/<slug>",
		Short: "Write new chapter content with a compare-and-swap save",
		Long: `Load the chapter, replace its content and save it against the head that
was just read. A concurrent writer makes the save fail with a conflict;
--force re-reads the head and overwrites.

Example:
  cosedit save novel/body/opening --mode draft --file opening.md
  cat opening.md | cosedit save novel body opening`,
		Args: refArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Mode, "mode", "m", "draft", "buffer mode (live|draft)")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "-", "content file, - for stdin")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite whatever the server holds")
	return cmd
}

func readContent(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", WrapExitError(ExitCommandError, "read content", err)
	}
	return string(data), nil
}

// conflictWatch collects conflict notifications of one engine.
type conflictWatch struct {
	mu        sync.Mutex
	conflicts []buffer.Conflict
}

func watchConflicts(e *buffer.Engine) (*conflictWatch, func()) {
	cw := &conflictWatch{}
	unsub := e.Subscribe(func(ev buffer.Event) {
		if ev.Kind == buffer.EventConflict && ev.Conflict != nil {
			cw.mu.Lock()
			cw.conflicts = append(cw.conflicts, *ev.Conflict)
			cw.mu.Unlock()
		}
	})
	return cw, unsub
}

func (cw *conflictWatch) err() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if len(cw.conflicts) == 0 {
		return nil
	}
	c := cw.conflicts[len(cw.conflicts)-1]
	return NewExitError(ExitFailure, fmt.Sprintf("conflict on %s (%s): %s", c.Operation, c.Mode, c.Message))
}

func runSave(cmd *cobra.Command, opts *saveOptions, args []string) error {
	ref, err := parseRef(args)
	if err != nil {
		return err
	}
	mode, err := buffer.ParseMode(opts.Mode)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid mode", err)
	}
	content, err := readContent(cmd, opts.File)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	j := opts.openJournal(ctx)
	if j != nil {
		defer j.Close()
	}
	e := opts.engine(opts.client(), j)
	defer e.Close()
	cw, unsub := watchConflicts(e)
	defer unsub()

	if _, err := e.Open(ctx, ref, mode); err != nil {
		return storeError("open "+ref.String(), err)
	}
	if _, err := e.ApplyChanges(content); err != nil {
		return storeError("apply changes", err)
	}

	var st buffer.State
	if opts.Force {
		st, err = e.ForceSave(ctx)
	} else {
		st, err = e.Save(ctx)
	}
	if err != nil {
		return storeError("save "+ref.String(), err)
	}
	if err := cw.err(); err != nil {
		return err
	}

	return opts.printer(cmd).Print(st, func(w io.Writer) {
		fmt.Fprintf(w, "Saved %s (%s) at %s, %d words\n", ref, mode, st.HeadHash, st.WordCount)
	})
}

type acceptOptions struct {
	*RootOptions
	Actor string
}

func newAcceptCommand(root *RootOptions) *cobra.Command {
	opts := &acceptOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "accept <book>/<section>/<slug>",
		Short: "Promote the saved draft to live",
		Long: `Promote the chapter's current draft revision to live. The promotion is
rejected when either the draft or the live chapter moved since they were
read.

Example:
  cosedit accept novel/body/opening --actor editor`,
		Args: refArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccept(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Actor, "actor", "", "name recorded on the promotion (default: config buffer.actor)")
	return cmd
}

func runAccept(cmd *cobra.Command, opts *acceptOptions, args []string) error {
	ref, err := parseRef(args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	j := opts.openJournal(ctx)
	if j != nil {
		defer j.Close()
	}
	e := opts.engine(opts.client(), j)
	defer e.Close()
	cw, unsub := watchConflicts(e)
	defer unsub()

	if _, err := e.Open(ctx, ref, buffer.ModeDraft); err != nil {
		return storeError("open "+ref.String(), err)
	}
	st, err := e.AcceptDraft(ctx, opts.Actor)
	if err != nil {
		return storeError("accept "+ref.String(), err)
	}
	if err := cw.err(); err != nil {
		return err
	}

	return opts.printer(cmd).Print(st, func(w io.Writer) {
		fmt.Fprintf(w, "Accepted draft of %s, live head %s\n", ref, st.HeadHash)
	})
}

type revertOptions struct {
	*RootOptions
	Target string
}

func newRevertCommand(root *RootOptions) *cobra.Command {
	opts := &revertOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "revert <book>/<section>/<slug> --to <hash>",
		Short: "Move the live chapter back to an earlier revision",
		Args:  refArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRevert(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Target, "to", "", "revision hash to restore (required)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runRevert(cmd *cobra.Command, opts *revertOptions, args []string) error {
	ref, err := parseRef(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	client := opts.client()

	live, err := client.FetchLive(ctx, ref)
	if err != nil {
		return storeError("read live head", err)
	}
	res, err := client.Revert(ctx, ref, cos.RevertRequest{
		TargetHash:   cos.Hash(opts.Target),
		ExpectedHead: live.ContentHash,
	})
	if err != nil {
		return storeError("revert "+ref.String(), err)
	}

	v := res.Version(opts.now())
	if j := opts.openJournal(ctx); j != nil {
		if err := j.RecordVersion(ctx, ref, string(buffer.ModeLive), "revert", v); err != nil {
			opts.log().Warn("failed to record version", "error", err)
		}
		j.Close()
	}

	return opts.printer(cmd).Print(v, func(w io.Writer) {
		fmt.Fprintf(w, "Reverted %s to %s, live head %s\n", ref, opts.Target, v.ContentHash)
	})
}

type historyOptions struct {
	*RootOptions
	Draft bool
	Local bool
	Limit int
}

func newHistoryCommand(root *RootOptions) *cobra.Command {
	opts := &historyOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "history <book>/<section>/<slug>",
		Short: "List the revisions of a chapter",
		Long: `List a chapter's revisions, newest first. By default the store's history is
shown; --local shows the revisions this machine created, from the journal.`,
		Args: refArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Draft, "draft", false, "draft history instead of live")
	cmd.Flags().BoolVar(&opts.Local, "local", false, "read the local journal")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum entries, 0 for all")
	return cmd
}

func runHistory(cmd *cobra.Command, opts *historyOptions, args []string) error {
	ref, err := parseRef(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	mode := buffer.ModeLive
	if opts.Draft {
		mode = buffer.ModeDraft
	}

	if opts.Local {
		j := opts.openJournal(ctx)
		if j == nil {
			return NewExitError(ExitCommandError, "the journal is disabled or unavailable")
		}
		defer j.Close()
		entries, err := j.History(ctx, ref, string(mode), opts.Limit)
		if err != nil {
			return WrapExitError(ExitFailure, "read journal", err)
		}
		return opts.printer(cmd).Print(entries, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HASH\tPARENT\tOPERATION\tCREATED\tSESSION")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Version.ContentHash, e.Version.ParentHash, e.Operation,
					e.Version.CreatedAt.Format("2006-01-02 15:04:05"), e.SessionID)
			}
			tw.Flush()
		})
	}

	client := opts.client()
	var entries []cos.HistoryEntry
	if opts.Draft {
		entries, err = client.DraftChapterHistory(ctx, ref)
	} else {
		entries, err = client.ChapterHistory(ctx, ref)
	}
	if err != nil {
		return storeError("history "+ref.String(), err)
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return opts.printer(cmd).Print(entries, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "HASH\tPARENT\tCREATED")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Hash, e.ParentHash, e.CreatedAt)
		}
		tw.Flush()
	})
}
