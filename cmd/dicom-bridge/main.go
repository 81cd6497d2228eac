// dicom-bridge accepts DICOM associations from modalities, answers
// worklist queries from the scheduling database, and forwards received
// objects to the destination archive.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/Janxz264/dicom-bridge-mx/client"
	"github.com/Janxz264/dicom-bridge-mx/config"
	"github.com/Janxz264/dicom-bridge-mx/forward"
	"github.com/Janxz264/dicom-bridge-mx/pdu"
	"github.com/Janxz264/dicom-bridge-mx/server"
	"github.com/Janxz264/dicom-bridge-mx/services"
	"github.com/Janxz264/dicom-bridge-mx/storescp"
	"github.com/Janxz264/dicom-bridge-mx/types"
	"github.com/Janxz264/dicom-bridge-mx/worklist"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "dicom-bridge",
		Short:         "DICOM bridge between modalities, the scheduling database, and the archive",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	deadletters := &cobra.Command{
		Use:   "deadletters",
		Short: "List dead-lettered forward jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return listDeadLetters(cmd.Context(), cfg)
		},
	}

	probe := &cobra.Command{
		Use:   "probe",
		Short: "C-ECHO the destination archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return probeDestination(cmd.Context(), cfg)
		},
	}

	root.AddCommand(serve, deadletters, probe)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	destination := client.Destination{
		Addr:           cfg.Forward.DestinationAddr,
		CalledAETitle:  cfg.Forward.DestinationAETitle,
		CallingAETitle: cfg.Listen.AETitle,
	}

	jobStore, err := forward.OpenStore(cfg.Forward.JobDBPath, cfg.Forward.DeadLetterDir)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	sender := forward.NewDICOMSender(destination, cfg.Forward.SendTimeout, logger)
	queue := forward.NewQueue(jobStore, sender, forward.Options{
		Workers:     cfg.Forward.Workers,
		MaxAttempts: cfg.Forward.MaxAttempts,
		Backoff: forward.BackoffPolicy{
			Base:       cfg.Forward.BackoffBase,
			Max:        cfg.Forward.BackoffMax,
			JitterFrac: cfg.Forward.JitterFrac,
		},
	}, logger)
	if err := queue.Start(ctx); err != nil {
		return err
	}

	registry := services.NewRegistry()
	registry.Register(types.CEchoRQ, services.NewVerificationHandler(logger))
	registry.Register(types.CStoreRQ, storescp.NewHandler(queue, cfg.Listen.MaxObjectBytes, logger))

	caps := pdu.Capabilities{
		AETitle:          cfg.Listen.AETitle,
		EnforceCalledAE:  cfg.Listen.EnforceCalledAE,
		MaxPDULength:     cfg.Listen.MaxPDULength,
		AbstractSyntaxes: buildCapabilities(cfg),
	}

	if cfg.Worklist.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Worklist.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect worklist database: %w", err)
		}
		defer pool.Close()

		translator := worklist.NewTranslator(cfg.Worklist.Table, cfg.Worklist.OrderByStart)
		registry.Register(types.CFindRQ, worklist.NewHandler(pool, translator, cfg.Worklist.QueryTimeout, logger))
	}

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	srv := server.New(cfg.Listen.Host, cfg.Listen.Port, caps, registry,
		server.WithLogger(logger),
		server.WithMaxAssociations(cfg.Listen.MaxAssociations),
		server.WithReadTimeout(cfg.Listen.ReadTimeout))

	err = srv.Start(ctx)
	queue.Wait()
	return err
}

// buildCapabilities enumerates every abstract syntax the bridge serves.
// Storage classes accept compressed syntaxes because stored payloads are
// relayed verbatim; worklist answers only come in syntaxes the codec can
// encode.
func buildCapabilities(cfg *config.Config) map[string][]string {
	caps := map[string][]string{
		types.VerificationSOPClass: types.DefaultTransferSyntaxes(),
	}
	if cfg.Worklist.Enabled {
		caps[types.ModalityWorklistFindSOPClass] = types.DefaultTransferSyntaxes()
	}
	for _, sop := range types.DefaultStorageSOPClasses() {
		caps[sop] = types.StorageTransferSyntaxes()
	}
	return caps
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	logger.Info("metrics endpoint started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics endpoint failed", "error", err)
	}
}

func listDeadLetters(ctx context.Context, cfg *config.Config) error {
	store, err := forward.OpenStore(cfg.Forward.JobDBPath, cfg.Forward.DeadLetterDir)
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.DeadLetters(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("no dead-lettered jobs")
		return nil
	}
	for _, job := range jobs {
		fmt.Printf("%s  %s  %s  attempts=%d  created=%s\n  last error: %s\n",
			job.ID, types.SOPClassName(job.SOPClassUID), job.SOPInstanceUID,
			job.Attempts, job.CreatedAt.Format(time.RFC3339), job.LastError)
	}
	return nil
}

func probeDestination(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log)
	destination := client.Destination{
		Addr:           cfg.Forward.DestinationAddr,
		CalledAETitle:  cfg.Forward.DestinationAETitle,
		CallingAETitle: cfg.Listen.AETitle,
	}
	sender := forward.NewDICOMSender(destination, cfg.Forward.SendTimeout, logger)
	if err := sender.Probe(ctx); err != nil {
		return fmt.Errorf("destination %s unreachable: %w", cfg.Forward.DestinationAddr, err)
	}
	fmt.Printf("destination %s (%s) answered C-ECHO\n",
		cfg.Forward.DestinationAddr, cfg.Forward.DestinationAETitle)
	return nil
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
