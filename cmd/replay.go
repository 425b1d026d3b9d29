package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/vigil/internal/alert"
	"firestige.xyz/vigil/internal/capture"
	"firestige.xyz/vigil/internal/config"
	"firestige.xyz/vigil/internal/core"
	"firestige.xyz/vigil/internal/engine"
	"firestige.xyz/vigil/internal/filestore"
	"firestige.xyz/vigil/internal/log"
	"firestige.xyz/vigil/internal/metrics"
)

// replayOptions are the command line overrides of a replay run.
type replayOptions struct {
	ConfigFile string
	PcapFile   string
	BPF        string
	RulesFile  string
	Workers    int
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run detection over a capture file",
	Long: `Replay a pcap file through the detection engine.

Alerts are written as JSON lines to the configured alert file, or to
stdout when alert output is disabled. SIGHUP reloads the rule file;
SIGINT and SIGTERM stop the replay after the packets read so far.

Examples:
  vigil replay -r capture.pcap --rules rules.yaml
  vigil replay -c vigil.yaml -r capture.pcap --bpf "udp port 5060"
  vigil replay -r capture.pcap --rules rules.json --workers 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts := replayOpts
		opts.ConfigFile = configFile
		return runReplay(ctx, opts, cmd.OutOrStdout())
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayOpts.PcapFile, "read", "r", "",
		"pcap file to replay (required)")
	replayCmd.Flags().StringVar(&replayOpts.BPF, "bpf", "",
		"BPF filter expression applied to the capture")
	replayCmd.Flags().StringVar(&replayOpts.RulesFile, "rules", "",
		"rule file, overrides rules.path")
	replayCmd.Flags().IntVar(&replayOpts.Workers, "workers", 0,
		"number of workers, overrides workers")
	replayCmd.MarkFlagRequired("read")
}

func runReplay(ctx context.Context, opts replayOptions, out io.Writer) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return err
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}
	if opts.RulesFile != "" {
		cfg.Rules.Path = opts.RulesFile
	}
	if cfg.Rules.Path == "" {
		return fmt.Errorf("no rule file, set rules.path or --rules: %w", core.ErrConfigInvalid)
	}

	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Close()

	rules, err := engine.LoadRules(cfg.Rules.Path)
	if err != nil {
		return err
	}

	alerts, err := openAlerts(cfg.Alerts, out)
	if err != nil {
		return err
	}
	defer alerts.Close()

	var store *filestore.Store
	if cfg.FileStore.Enabled {
		if store, err = filestore.NewStore(cfg.FileStore.Dir); err != nil {
			return err
		}
	}

	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics)
		if err := ms.Start(ctx); err != nil {
			return err
		}
		defer ms.Stop(context.Background())
	}

	src, err := capture.NewFileSource(opts.PcapFile, opts.BPF)
	if err != nil {
		return err
	}
	if err := src.Open(); err != nil {
		return err
	}
	defer src.Close()

	dec, err := capture.NewDecoder(src.LinkType())
	if err != nil {
		return err
	}

	e, err := engine.New(engine.ConfigFrom(cfg), rules, alerts, store)
	if err != nil {
		return err
	}

	hupCtx, cancelHup := context.WithCancel(ctx)
	defer cancelHup()
	go reloadOnHangup(hupCtx, e, cfg.Rules.Path)

	slog.Info("replay starting", "file", opts.PcapFile, "rules", cfg.Rules.Path, "workers", cfg.Workers)
	start := time.Now()
	if err := e.Run(ctx, src, dec); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	st := e.Stats()
	fmt.Fprintf(out, "replayed %d packet(s), %d decoded, in %s: %d transaction(s), %d alert(s), %d file(s) stored\n",
		st.Received.Load(),
		st.Decoded.Load(),
		time.Since(start).Round(time.Millisecond),
		st.Transactions.Load(),
		st.Alerts.Load(),
		st.FilesStored.Load(),
	)
	return nil
}

// openAlerts opens the configured alert outputs. Without an alert file,
// records go to out, which is left open on Close.
func openAlerts(cfg config.AlertsConfig, out io.Writer) (alert.Multi, error) {
	var sinks alert.Multi
	if cfg.Enabled {
		w, err := alert.Open(cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, w)
	} else {
		sinks = append(sinks, alert.New(nopCloser{out}))
	}

	if cfg.Kafka.Enabled {
		k, err := alert.NewKafkaWriter(cfg.Kafka)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, k)
	}
	return sinks, nil
}

// nopCloser hides the Close method of an output the command does not own.
type nopCloser struct {
	io.Writer
}

// reloadOnHangup recompiles the rule file on SIGHUP. A rule file that fails
// to compile leaves the running rule set in place.
func reloadOnHangup(ctx context.Context, e *engine.Engine, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			rules, err := engine.LoadRules(path)
			if err != nil {
				slog.Error("rule reload failed", "path", path, "error", err)
				continue
			}
			if err := e.Reload(rules); err != nil {
				slog.Error("rule reload failed", "path", path, "error", err)
			}
		}
	}
}
