package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"coseditor/internal/buffer"
	"coseditor/internal/capture"
	"coseditor/internal/config"
	"coseditor/internal/cos"
	"coseditor/internal/health"
	"coseditor/internal/journal"
	"coseditor/internal/logging"
	"coseditor/internal/metrics"
	"coseditor/internal/mirror"
	"coseditor/internal/notify"
)

// flushTimeout bounds the final save on shutdown.
const flushTimeout = 10 * time.Second

type editOptions struct {
	*RootOptions
	Mode      string
	MirrorDir string
	Todo      string
	NoWatch   bool
}

func newEditCommand(root *RootOptions) *cobra.Command {
	opts := &editOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "edit <book>/<section>/<slug>",
		Short: "Run an editing session on a chapter",
		Long: `Open a chapter and keep it in sync until interrupted.

The buffer is mirrored to a local file; edits to that file are applied to
the buffer and autosaved. The store connection is checked periodically,
conflicts raise a desktop notification, and the config file is reloaded
when it changes. On SIGINT or SIGTERM unsaved edits are flushed.

Example:
  cosedit edit novel/body/opening --mode draft --mirror-dir ~/manuscripts`,
		Args: refArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Mode, "mode", "m", "draft", "buffer mode (live|draft)")
	cmd.Flags().StringVar(&opts.MirrorDir, "mirror-dir", "", "mirror directory (enables the mirror)")
	cmd.Flags().StringVar(&opts.Todo, "todo", "", "capture todo to follow during the session")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch-config", false, "do not reload the config file on change")
	return cmd
}

// session is everything an edit run owns.
type session struct {
	opts     *editOptions
	log      *slog.Logger
	client   *cos.Client
	registry *metrics.Registry
	sync     *metrics.SyncMetrics
	journal  *journal.Journal
	engine   *buffer.Engine
	notifier notify.Notifier
	monitor  *health.Monitor
	checker  *health.Checker
	server   *metrics.Server
	mirror   *mirror.Mirror
	capture  *capture.Manager
	loader   *config.Loader
	unsubs   []func()
}

func runEdit(cmd *cobra.Command, opts *editOptions, args []string) error {
	ref, err := parseRef(args)
	if err != nil {
		return err
	}
	mode, err := buffer.ParseMode(opts.Mode)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid mode", err)
	}
	if opts.MirrorDir != "" {
		opts.cfg.Mirror.Enabled = true
		opts.cfg.Mirror.Dir = opts.MirrorDir
	}
	if err := opts.cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &session{opts: opts, log: logging.WithChapter(opts.log(), ref.String(), string(mode))}
	defer s.close()

	if err := s.start(ctx, cmd.OutOrStdout()); err != nil {
		return err
	}

	st, err := s.engine.Open(ctx, ref, mode)
	if err != nil {
		return storeError("open "+ref.String(), err)
	}
	if s.journal != nil {
		if err := s.journal.SetLastOpened(ctx, ref, string(mode)); err != nil {
			opts.log().Warn("remember last opened chapter", "error", err)
		}
	}

	p := opts.printer(cmd)
	if p.Format != "json" {
		printState(p.W, st, false)
		if s.mirror != nil {
			fmt.Fprintf(p.W, "Mirror:    %s\n", s.mirror.Path())
		}
	}

	if opts.Todo != "" {
		s.capture.StartPolling(opts.Todo)
	}

	<-ctx.Done()
	s.log.Info("shutting down")
	return s.shutdown(p)
}

// start builds and wires every component except the open buffer.
func (s *session) start(ctx context.Context, out io.Writer) error {
	o := s.opts
	cfg := o.cfg
	log := s.log

	s.client = o.client()
	s.registry = metrics.NewRegistry("coseditor")
	s.sync = metrics.NewSyncMetrics(s.registry)
	s.journal = o.openJournal(ctx)
	s.engine = o.engine(s.client, s.journal, buffer.WithMetrics(s.sync))

	s.notifier = notify.New(cfg.Notify.Desktop, log)
	dispatch := notify.NewDispatcher(s.notifier, log)
	s.unsubs = append(s.unsubs, s.engine.Subscribe(dispatch.BufferEvent))
	s.unsubs = append(s.unsubs, s.engine.Subscribe(s.reportEvent(out)))

	monOpts := []health.MonitorOption{
		health.WithLogger(log),
		health.WithInterval(cfg.HealthInterval()),
		health.WithTimeout(cfg.HealthTimeout()),
	}
	if o.Clock != nil {
		monOpts = append(monOpts, health.WithClock(o.Clock))
	}
	s.monitor = health.NewMonitor(s.client, monOpts...)
	s.unsubs = append(s.unsubs, s.monitor.OnChange(dispatch.ConnectionChanged))
	s.unsubs = append(s.unsubs, s.monitor.OnChange(func(st health.ConnectionStatus) { s.sync.StoreReachable(st.Connected) }))
	s.monitor.Start()

	s.checker = health.NewChecker()
	s.checker.RegisterFunc("store", true, s.monitor.Check)
	if s.journal != nil {
		s.checker.RegisterFunc("journal", false, health.PingCheck("journal", s.journal.Ping))
	}
	if cfg.Metrics.Enabled {
		s.server = metrics.NewServer(cfg.Metrics.Addr, s.registry, s.checker.Handler(), log)
		if err := s.server.Start(); err != nil {
			return WrapExitError(ExitCommandError, "start metrics server", err)
		}
	}

	capOpts := []capture.Option{capture.WithLogger(log), capture.WithPollInterval(cfg.PollInterval())}
	if o.Clock != nil {
		capOpts = append(capOpts, capture.WithClock(o.Clock))
	}
	s.capture = capture.New(s.client, capOpts...)
	s.capture.Subscribe(dispatch.CaptureState)
	var (
		settledMu sync.Mutex
		settled   = make(map[string]bool)
	)
	s.capture.Subscribe(func(st capture.State) {
		if st.ActiveSnapshot == nil || !st.ActiveSnapshot.Todo.IsTerminal() {
			return
		}
		settledMu.Lock()
		defer settledMu.Unlock()
		if id := st.ActiveSnapshot.Todo.ID; !settled[id] {
			settled[id] = true
			s.sync.CaptureSettled()
		}
	})

	if cfg.Mirror.Enabled {
		m, err := mirror.New(cfg.Mirror.Dir, s.engine, mirror.WithLogger(log), mirror.WithDebounce(cfg.MirrorDebounce()))
		if err != nil {
			return WrapExitError(ExitCommandError, "mirror", err)
		}
		if err := m.Start(); err != nil {
			return WrapExitError(ExitCommandError, "start mirror", err)
		}
		s.mirror = m
	}

	if !o.NoWatch {
		if _, err := os.Stat(o.ConfigPath); err == nil {
			s.watchConfig(ctx)
		}
	}
	return nil
}

// watchConfig points the client at a new store when the config file
// changes. A failed reload keeps the running configuration.
func (s *session) watchConfig(ctx context.Context) {
	log := s.log
	s.loader = config.NewLoader(s.opts.ConfigPath)
	if _, err := s.loader.Load(); err != nil {
		log.Warn("config not watched", "error", err)
		s.loader = nil
		return
	}
	s.loader.OnChange(func(c *config.Config) {
		merged := config.Merge(c, &config.Config{
			Remote: config.RemoteConfig{APIURL: s.opts.APIURL, TenantID: s.opts.TenantID},
		})
		if merged.Remote.APIURL == s.client.BaseURL() && merged.Remote.TenantID == s.client.TenantID() {
			return
		}
		s.client.UpdateConfig(merged.Remote.APIURL, merged.Remote.TenantID)
		log.Info("store settings reloaded", "api_url", merged.Remote.APIURL, "tenant", merged.Remote.TenantID)
		go s.monitor.CheckNow(context.Background())
	})
	if err := s.loader.Watch(); err != nil {
		log.Warn("config not watched", "error", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-s.loader.Errors():
				log.Warn("config reload failed", "error", err)
			}
		}
	}()
}

// reportEvent prints saves and conflicts as they happen.
func (s *session) reportEvent(out io.Writer) func(buffer.Event) {
	var (
		mu       sync.Mutex
		seen     bool
		lastHead cos.Hash
	)
	return func(ev buffer.Event) {
		if s.opts.Format == "json" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch ev.Kind {
		case buffer.EventConflict:
			fmt.Fprintf(out, "Conflict on %s: %s\n", ev.Conflict.Operation, ev.Conflict.Message)
		case buffer.EventState:
			head := ev.State.HeadHash
			if seen && head != lastHead && !head.IsZero() {
				fmt.Fprintf(out, "Saved %s (%d words)\n", head, ev.State.WordCount)
			}
			seen = true
			lastHead = head
		}
	}
}

// shutdown stops inputs first, flushes unsaved edits and prints the final
// state.
func (s *session) shutdown(p Printer) error {
	if s.mirror != nil {
		if err := s.mirror.Stop(); err != nil {
			s.log.Warn("stop mirror", "error", err)
		}
		s.mirror = nil
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	st := s.engine.State()
	var flushErr error
	if st.Dirty {
		saved, err := s.engine.Save(flushCtx)
		switch {
		case err != nil:
			flushErr = storeError("final save", err)
		case saved.Dirty:
			st = saved
			flushErr = NewExitError(ExitFailure, "unsaved edits could not be flushed")
		default:
			st = saved
		}
	}

	if err := p.Print(st, func(w io.Writer) {
		if st.Dirty {
			fmt.Fprintln(w, "Exited with unsaved changes")
			return
		}
		fmt.Fprintf(w, "Closed %s at %s\n", st.Ref(), st.HeadHash)
	}); err != nil {
		return err
	}
	return flushErr
}

func (s *session) close() {
	for _, u := range s.unsubs {
		u()
	}
	if s.loader != nil {
		s.loader.Close()
	}
	if s.mirror != nil {
		s.mirror.Stop()
	}
	if s.capture != nil {
		s.capture.Close()
	}
	if s.monitor != nil {
		s.monitor.Close()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.server.Shutdown(ctx)
		cancel()
	}
	if s.engine != nil {
		s.engine.Close()
	}
	if s.journal != nil {
		s.journal.Close()
	}
	if s.notifier != nil {
		s.notifier.Close()
	}
}
