package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"coseditor/internal/capture"
	"coseditor/internal/cos"
	"coseditor/internal/notify"
)

func newCaptureCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture todos from the manuscript and follow their processing",
	}
	cmd.AddCommand(newCaptureCreateCommand(root))
	cmd.AddCommand(newCaptureListCommand(root))
	cmd.AddCommand(newCaptureWatchCommand(root))
	return cmd
}

type captureCreateOptions struct {
	*RootOptions
	Chapter  string
	Priority string
	Watch    bool
}

func newCaptureCreateCommand(root *RootOptions) *cobra.Command {
	opts := &captureCreateOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "create <text>...",
		Short: "Capture a todo",
		Long: `Capture a todo, optionally tied to the chapter it came from.

Example:
  cosedit capture create --chapter novel/body/opening "check the timeline"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCaptureCreate(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Chapter, "chapter", "", "source chapter <book>/<section>/<slug>")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "todo priority")
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "follow the todo until it settles")
	return cmd
}

func runCaptureCreate(cmd *cobra.Command, opts *captureCreateOptions, args []string) error {
	req := cos.CaptureCreateRequest{
		Content:       strings.Join(args, " "),
		Priority:      opts.Priority,
		SourceSurface: cos.SourceSurfaceEditor,
	}
	if opts.Chapter != "" {
		ref, err := parseRef([]string{opts.Chapter})
		if err != nil {
			return err
		}
		req.SourceContext = cos.CaptureSource{BookID: ref.BookID, Section: ref.Section, Slug: ref.Slug}
	}

	todo, err := opts.client().CreateCaptureTodo(cmd.Context(), req)
	if err != nil {
		return storeError("capture todo", err)
	}
	if err := opts.printer(cmd).Print(todo, func(w io.Writer) {
		fmt.Fprintf(w, "Captured %s (%s)\n", todo.ID, todo.Status)
	}); err != nil {
		return err
	}
	if opts.Watch {
		return watchTodo(cmd, opts.RootOptions, todo.ID)
	}
	return nil
}

type captureListOptions struct {
	*RootOptions
	All bool
}

func newCaptureListCommand(root *RootOptions) *cobra.Command {
	opts := &captureListOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List captured todos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			todos, err := opts.client().ListCaptureTodos(cmd.Context(), !opts.All)
			if err != nil {
				return storeError("list todos", err)
			}
			return opts.printer(cmd).Print(todos, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tSOURCE\tCONTENT")
				for _, t := range todos {
					src := ""
					if t.SourceContext.BookID != "" {
						src = cos.ChapterRef{BookID: t.SourceContext.BookID, Section: t.SourceContext.Section, Slug: t.SourceContext.Slug}.String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, src, t.Content)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "include settled todos")
	return cmd
}

func newCaptureWatchCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <todo-id>",
		Short: "Poll a todo until it reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchTodo(cmd, root, args[0])
		},
	}
}

// watchTodo polls one todo, printing every status change, until it
// settles or the command is interrupted.
func watchTodo(cmd *cobra.Command, root *RootOptions, id string) error {
	ctx := cmd.Context()
	client := root.client()
	if _, err := client.GetCaptureTodo(ctx, id); err != nil {
		return storeError("get todo "+id, err)
	}

	opts := []capture.Option{
		capture.WithLogger(root.log()),
		capture.WithPollInterval(root.cfg.PollInterval()),
	}
	if root.Clock != nil {
		opts = append(opts, capture.WithClock(root.Clock))
	}
	m := capture.New(client, opts...)
	defer m.Close()

	n := notify.New(root.cfg.Notify.Desktop, root.log())
	defer n.Close()
	d := notify.NewDispatcher(n, root.log())

	p := root.printer(cmd)
	var (
		mu       sync.Mutex
		last     string
		final    *cos.CaptureSnapshot
		settled  = make(chan struct{})
		doneOnce sync.Once
	)
	m.Subscribe(d.CaptureState)
	m.Subscribe(func(st capture.State) {
		snap := st.ActiveSnapshot
		if snap == nil {
			return
		}
		mu.Lock()
		changed := snap.Todo.Status != last
		last = snap.Todo.Status
		final = snap
		mu.Unlock()

		if changed && p.Format != "json" {
			fmt.Fprintf(p.W, "%s: %s (%d tasks, %d results)\n", snap.Todo.ID, snap.Todo.Status, len(snap.Tasks), len(snap.Results))
		}
		if snap.Todo.IsTerminal() {
			doneOnce.Do(func() { close(settled) })
		}
	})

	m.StartPolling(id)

	select {
	case <-settled:
	case <-ctx.Done():
		return WrapExitError(ExitFailure, "watch interrupted", ctx.Err())
	}

	mu.Lock()
	snap := final
	mu.Unlock()
	if p.Format == "json" {
		return p.Print(snap, nil)
	}
	for _, r := range snap.Results {
		fmt.Fprintf(p.W, "\n[%s] %s\n", r.ResultType, r.Content)
	}
	return nil
}
