package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/querytail/querytail/pkg/backend"
	"github.com/querytail/querytail/pkg/backend/sqlite"
	"github.com/querytail/querytail/pkg/natsbridge"
	"github.com/querytail/querytail/pkg/progress"
	"github.com/querytail/querytail/pkg/runner"
	"github.com/querytail/querytail/pkg/runtime/embeddednats"
	"github.com/querytail/querytail/pkg/runtime/tailer"
	"github.com/querytail/querytail/pkg/subscription"
)

// tailOptions holds flags for the tail command.
type tailOptions struct {
	*rootOptions
	Database string
	StateDir string
	Interval time.Duration
	Restart  bool
	Relay    bool
}

func newTailCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &tailOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail [topic] [query]",
		Short: "Subscribe to queries and stream fresh rows",
		Long: `Subscribe to one or more continuous queries and stream rows newer than
each entity's consumed watermark.

With a topic and query argument a single subscription is tailed; with no
arguments the topics come from the config file. Progress is persisted per
topic under the state directory so a restart resumes where the last run
stopped; --restart discards saved progress and replays from the beginning.

With --relay (or relay.enabled in the config) batches are published to
NATS JetStream instead of stdout; relay.embedded runs an in-process
broker so no external NATS server is needed.

Examples:
  querytail tail metering.live "select site, watts from meters"
  querytail tail --config querytail.yaml
  querytail tail metering.live "select site, watts from meters" --relay`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite DSN (overrides config)")
	cmd.Flags().StringVar(&opts.StateDir, "state-dir", "", "progress state directory (overrides config)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "consume interval (overrides config)")
	cmd.Flags().BoolVar(&opts.Restart, "restart", false, "discard saved progress and replay from the beginning")
	cmd.Flags().BoolVar(&opts.Relay, "relay", false, "publish batches to NATS instead of stdout")

	return cmd
}

func runTail(cmd *cobra.Command, opts *tailOptions, args []string) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return commandErr("failed to load config", err)
	}
	applyTailFlags(&cfg, opts)

	topics, err := tailTopics(cfg, opts, args)
	if err != nil {
		return err
	}

	log := slog.Default()

	log.Info("opening store", "dsn", cfg.Database.DSN)
	store, err := sqlite.NewStore(sqlite.WithDSN(cfg.Database.DSN), sqlite.WithLogger(log))
	if err != nil {
		return commandErr("failed to open store", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing store", "error", closeErr)
		}
	}()

	mgr, err := subscription.NewManager(store, store, store, store,
		subscription.WithProgressStore(progress.NewFileStore(cfg.StateDir)),
		subscription.WithLogger(log),
	)
	if err != nil {
		return commandErr("failed to build manager", err)
	}

	var fwd *natsbridge.Forwarder
	if opts.Relay || cfg.Relay.Enabled {
		fc := natsbridge.DefaultConfig()
		fc.URL = cfg.Relay.URL
		fc.SubjectPrefix = cfg.Relay.SubjectPrefix
		fc.StreamName = cfg.Relay.Stream
		fc.MaxAge = cfg.Relay.MaxAge
		fc.Logger = log

		if cfg.Relay.Embedded {
			// Started ahead of the runner: the forwarder needs the broker's
			// URL before the tailer services are built.
			broker := embeddednats.New(
				embeddednats.WithStoreDir(filepath.Join(cfg.StateDir, "nats")),
				embeddednats.WithLogger(runner.NewSlogLogger(log)),
			)
			if err := broker.Start(cmd.Context()); err != nil {
				return commandErr("failed to start embedded broker", err)
			}
			defer func() {
				if stopErr := broker.Stop(context.Background()); stopErr != nil {
					log.Error("error stopping embedded broker", "error", stopErr)
				}
			}()
			fc.URL = broker.URL()
		}

		fwd, err = natsbridge.NewForwarder(fc)
		if err != nil {
			return commandErr("failed to connect relay", err)
		}
		defer func() {
			if closeErr := fwd.Close(); closeErr != nil {
				log.Error("error closing relay", "error", closeErr)
			}
		}()
		log.Info("relay connected", "url", fc.URL, "stream", fc.StreamName)
	}

	printer := &rowPrinter{w: cmd.OutOrStdout(), format: opts.Format}

	services := make([]runner.Service, 0, len(topics))
	for _, tc := range topics {
		services = append(services, buildTailerService(mgr, fwd, printer, tc))
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Tailing %d topic(s). Press Ctrl-C to stop.\n", len(topics))

	run := runner.New(services, runner.WithLogger(runner.NewSlogLogger(log)))
	if err := run.Run(cmd.Context()); err != nil {
		return failureErr("engine error", err)
	}

	log.Info("stopped gracefully")
	return nil
}

func applyTailFlags(cfg *config, opts *tailOptions) {
	if opts.Database != "" {
		cfg.Database.DSN = opts.Database
	}
	if opts.StateDir != "" {
		cfg.StateDir = opts.StateDir
	}
	if opts.Interval != 0 {
		cfg.Interval = opts.Interval
	}
}

// tailTopics decides what to tail: explicit topic+query arguments win,
// otherwise the config file's topics are used.
func tailTopics(cfg config, opts *tailOptions, args []string) ([]topicCfg, error) {
	switch len(args) {
	case 2:
		return []topicCfg{{
			Name:     args[0],
			Query:    args[1],
			Interval: cfg.Interval,
			Restart:  opts.Restart,
		}}, nil
	case 1:
		return nil, commandErr("a topic argument requires a query argument", nil)
	}

	if len(cfg.Topics) == 0 {
		return nil, commandErr("no topics: pass <topic> <query> or configure topics in the config file", nil)
	}
	topics := make([]topicCfg, len(cfg.Topics))
	for i, tc := range cfg.Topics {
		if tc.Name == "" || tc.Query == "" {
			return nil, commandErr(fmt.Sprintf("topics[%d]: name and query are required", i), nil)
		}
		if tc.Interval == 0 {
			tc.Interval = cfg.Interval
		}
		if opts.Restart {
			tc.Restart = true
		}
		topics[i] = tc
	}
	return topics, nil
}

func buildTailerService(mgr *subscription.Manager, fwd *natsbridge.Forwarder, printer *rowPrinter, tc topicCfg) runner.Service {
	subOpts := []subscription.SubscribeOption{
		subscription.WithInterval(tc.Interval),
		subscription.WithRestart(tc.Restart),
	}

	if fwd != nil {
		// Relay mode: the forwarder's callback publishes and acknowledges.
		subOpts = append(subOpts, subscription.WithCallback(fwd.Callback()))
		return tailer.New(mgr, tc.Name, tc.Query, tailer.WithSubscribeOptions(subOpts...))
	}

	return tailer.New(mgr, tc.Name, tc.Query,
		tailer.WithSubscribeOptions(subOpts...),
		tailer.WithSink(printer.sink(tc.Name)),
	)
}

// rowPrinter writes consumed rows to the command's output. One printer is
// shared by every tailed topic so concurrent batches do not interleave
// mid-line.
type rowPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

type rowEvent struct {
	Topic  string         `json:"topic"`
	Entity int64          `json:"entity"`
	Key    int64          `json:"key"`
	Values map[string]any `json:"values"`
}

func (p *rowPrinter) sink(topic string) tailer.Sink {
	return func(sub *subscription.Subscription, rows backend.Rows) error {
		p.mu.Lock()
		defer p.mu.Unlock()

		var cols []string
		for rows.Next() {
			if cols == nil {
				cols = rows.Columns()
			}
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			if err := p.printRow(topic, int64(rows.Entity()), int64(rows.Key()), cols, vals); err != nil {
				return err
			}
			sub.AdvanceProgress(rows.Entity(), rows.Key())
		}
		return rows.Err()
	}
}

func (p *rowPrinter) printRow(topic string, entity, key int64, cols []string, vals []any) error {
	if p.format == "json" {
		ev := rowEvent{Topic: topic, Entity: entity, Key: key, Values: make(map[string]any, len(cols))}
		for i, c := range cols {
			ev.Values[c] = vals[i]
		}
		return json.NewEncoder(p.w).Encode(ev)
	}

	if _, err := fmt.Fprintf(p.w, "%s\t%d\t%d", topic, entity, key); err != nil {
		return err
	}
	for _, v := range vals {
		if _, err := fmt.Fprintf(p.w, "\t%v", v); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(p.w)
	return err
}
