package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/franksops/docmover/engine"
	"github.com/franksops/docmover/provider"
	"github.com/franksops/docmover/store"
	"github.com/franksops/docmover/ui"
)

var (
	tuiEnabled bool
	eachSource bool
)

func newTransferCmd(name string) *cobra.Command {
	op, _ := engine.ParseOperation(name)
	verb := "Copy"
	if op == engine.OpMove {
		verb = "Move"
	}

	cmd := &cobra.Command{
		Use:   name + " SOURCE... DESTINATION",
		Short: verb + " documents into a destination directory",
		Long: verb + ` one or more files or directories into DESTINATION, which must be an
existing directory. Arguments are local paths or s3://bucket/prefix locations.
A mem://NAME destination is an in-memory directory: copying into it reads and
checks every source document without writing anything to disk.

A directory source transfers its contents into DESTINATION. Use --nest to
recreate the directory itself under DESTINATION instead.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transferRun(cmd, op, args)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 2, "number of jobs run concurrently")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify each streamed document with a CRC64 checksum")
	cmd.Flags().BoolVar(&nestTopLevel, "nest", false, "recreate top level source directories under the destination")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address while running")
	cmd.Flags().BoolVar(&tuiEnabled, "tui", false, "show an interactive progress display")
	cmd.Flags().BoolVar(&eachSource, "each", false, "run one job per source instead of a single job")

	return cmd
}

func transferRun(cmd *cobra.Command, op engine.Operation, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	cfg := globalCfg

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := newResolver(logger)
	sources := make([]provider.Document, 0, len(args)-1)
	for _, arg := range args[:len(args)-1] {
		doc, err := res.resolve(ctx, arg)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		sources = append(sources, doc)
	}
	dest, err := res.resolve(ctx, args[len(args)-1])
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if op == engine.OpMove && res.ephemeral(dest) {
		return fmt.Errorf("destination: moving into %s would discard the sources", dest.Authority)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg)
		defer shutdownMetrics(srv)
	}

	bufSize, _ := cfg.BufferBytes()
	e := engine.New(res.registry, engine.Options{
		BufferSize:     bufSize,
		ListingTimeout: cfg.Engine.ListingTimeout,
		Verify:         cfg.Engine.Verify,
		NestTopLevel:   cfg.Engine.NestTopLevel,
		MaxDepth:       cfg.Engine.MaxDepth,
	}, metrics, logger)

	jobOpts := []engine.JobOption{engine.WithProgressInterval(cfg.Engine.ProgressInterval)}
	if cfg.History.Path != "" {
		st, err := openHistory(cfg.History.Path)
		if err != nil {
			logger.Warn("job history disabled", "path", cfg.History.Path, "error", err)
		} else {
			defer st.Close()
			checkpointBytes, _ := cfg.CheckpointBytes()
			jobOpts = append(jobOpts, engine.WithRecorder(engine.NewRecorder(st, engine.CheckpointConfig{
				BytesInterval: checkpointBytes,
				TimeInterval:  cfg.History.CheckpointInterval,
			}, logger)))
		}
	}

	mgr := engine.NewManager(ctx, e, cfg.Manager.Workers, jobOpts...)
	defer mgr.Stop()

	requests := []engine.Request{{Operation: op, Sources: sources, Destination: dest}}
	if eachSource {
		requests = requests[:0]
		for _, src := range sources {
			requests = append(requests, engine.Request{Operation: op, Sources: []provider.Document{src}, Destination: dest})
		}
	}

	var program *tea.Program
	var listener engine.Listener = ui.NewLogListener(logger)
	if tuiEnabled {
		model := ui.NewTUIModel(len(requests), mgr)
		program = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		listener = ui.NewProgramListener(program)
	}

	jobs := make([]*engine.Job, 0, len(requests))
	for _, req := range requests {
		req.Listener = listener
		j, err := mgr.Submit(req)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		logger.Info("job submitted", "job", j.ID, "label", ui.JobLabel(j))
		jobs = append(jobs, j)
	}

	if program != nil {
		go func() {
			mgr.Wait(ctx)
			// Leave the final screen up briefly.
			time.Sleep(500 * time.Millisecond)
			program.Quit()
		}()
		if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			logger.Warn("progress display stopped", "error", err)
		}
		// Quitting the display early cancels whatever is still running.
		for _, j := range jobs {
			if !j.State().Terminal() {
				j.Cancel()
			}
		}
	}

	if err := mgr.Wait(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return summarize(cmd, jobs)
}

// summarize prints one line per job and returns an error if any job did not
// complete cleanly.
func summarize(cmd *cobra.Command, jobs []*engine.Job) error {
	out := cmd.OutOrStdout()
	var failed, cancelled, partial int
	for _, j := range jobs {
		r := j.Result()
		fmt.Fprintf(out, "%-9s %s  %s copied in %s\n",
			r.State, ui.JobLabel(j), humanize.IBytes(uint64(r.Progress.BytesCopied)), r.Duration().Round(time.Millisecond))
		if r.Err != nil {
			fmt.Fprintf(out, "  error: %v\n", r.Err)
		}
		for _, f := range r.Failures {
			fmt.Fprintf(out, "  failed: %s: %v\n", f.Document.URI(), f.Err)
		}
		for _, doc := range r.Converted {
			fmt.Fprintf(out, "  converted: %s (%s)\n", doc.URI(), doc.MimeType)
		}

		switch {
		case r.State == engine.StateCancelled:
			cancelled++
		case r.State == engine.StateFailed:
			failed++
		case len(r.Failures) > 0:
			partial++
		}
	}

	if failed+cancelled+partial == 0 {
		return nil
	}
	return fmt.Errorf("%d failed, %d cancelled, %d with document failures", failed, cancelled, partial)
}

func openHistory(path string) (*store.BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return store.NewBoltStore(path)
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", "listen", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
}
