package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orders2sheet/internal/app"
	"orders2sheet/internal/config"
	"orders2sheet/internal/logger"
	"orders2sheet/internal/sheet"
	"orders2sheet/internal/source"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "orders2sheet",
	Short: "Synchronize order records from a remote API into a spreadsheet destination",
	Long:  `A resumable batch synchronization tool that pulls paginated order records from an order-management API and writes them to a spreadsheet-like destination, with checkpointing, adaptive batch sizing, snapshots and rollback.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synchronization",
	RunE:  runSync,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <operation-id>",
	Short: "Resume an interrupted synchronization from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var statusCmd = &cobra.Command{
	Use:   "status [operation-id]",
	Short: "Show stored progress for one or all operations",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <snapshot-id>",
	Short: "Restore the destination from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List destination snapshots",
	RunE:  runSnapshots,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	for _, cmd := range []*cobra.Command{runCmd, resumeCmd, statusCmd, rollbackCmd, snapshotsCmd} {
		// Source flags
		cmd.Flags().String("api-url", "", "Order API base URL")
		cmd.Flags().String("api-token", "", "Order API token")

		// Sync flags
		cmd.Flags().Int("page-size", 100, "Records per API page")
		cmd.Flags().Int("max-records", 0, "Cap on total records fetched (0 = unlimited)")
		cmd.Flags().Int("batch-size", 50, "Initial destination batch size")
		cmd.Flags().Int("retries", 3, "Maximum retry attempts per batch")
		cmd.Flags().String("state-dir", "./state", "Checkpoint state directory")
		cmd.Flags().String("output", "./orders.csv", "Destination CSV file")
		cmd.Flags().Bool("replace", false, "Clear the destination before writing")
		cmd.Flags().String("conflict-strategy", "source_wins", "Conflict strategy (source_wins/destination_wins/newer_timestamp_wins/manual_review)")
		cmd.Flags().String("date-from", "", "Only fetch orders updated since this date")
		cmd.Flags().String("date-to", "", "Only fetch orders updated before this date")
		cmd.Flags().String("status", "", "Only fetch orders with this status")
		cmd.Flags().Bool("dry-run", false, "Fetch and reconcile without writing")
		cmd.Flags().Bool("show-progress", true, "Show progress display")

		// Recovery flags
		cmd.Flags().String("snapshot-dir", "./snapshots", "Snapshot directory")
		cmd.Flags().Int("snapshot-retention", 5, "Number of snapshots to keep")
		cmd.Flags().String("audit-db", "./audit.db", "Audit trail database file")

		cmd.Flags().Bool("metrics", false, "Expose Prometheus metrics")
		cmd.Flags().String("metrics-addr", ":9090", "Metrics listen address")
		cmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
	}

	runCmd.Flags().String("operation-id", "", "Operation id (generated when empty)")
	rollbackCmd.Flags().Bool("force", false, "Skip the pre-rollback safety snapshot")

	rootCmd.AddCommand(runCmd, resumeCmd, statusCmd, rollbackCmd, snapshotsCmd)
}

// newEngine loads configuration and wires the engine with a live HTTP source
// and a CSV-file destination
func newEngine(cmd *cobra.Command) (*app.Engine, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	client, err := source.NewHTTPClient(source.Config{
		BaseURL:  cfg.Source.BaseURL,
		APIToken: cfg.Source.APIToken,
		Timeout:  cfg.Source.Timeout,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create source client: %w", err)
	}

	dst, err := sheet.NewCSVFile(cfg.Sync.Destination)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open destination: %w", err)
	}

	engine, err := app.New(cfg, client, dst, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return engine, log, nil
}

// signalContext cancels on SIGINT/SIGTERM for graceful shutdown between
// batches
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, finishing current batch...")
		cancel()
	}()
	return ctx, cancel
}

func runSync(cmd *cobra.Command, args []string) error {
	engine, log, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(engine, log)

	operationID, _ := cmd.Flags().GetString("operation-id")
	if operationID == "" {
		operationID = uuid.NewString()
		log.Info("Generated operation id", zap.String("operation_id", operationID))
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	summary, err := engine.Run(ctx, operationID)
	if err != nil {
		return err
	}
	printSummary(operationID, summary.CompletedBatches, summary.FailedBatches, summary.ProcessedRecords, summary.Duration)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	engine, log, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(engine, log)

	ctx, cancel := signalContext(log)
	defer cancel()

	summary, err := engine.Resume(ctx, args[0])
	if err != nil {
		return err
	}
	printSummary(args[0], summary.CompletedBatches, summary.FailedBatches, summary.ProcessedRecords, summary.Duration)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	engine, log, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(engine, log)

	ids := args
	if len(ids) == 0 {
		ids, err = engine.Operations()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No stored operations")
			return nil
		}
	}

	for _, id := range ids {
		snap, err := engine.Status(id)
		if err != nil {
			fmt.Printf("%s: %v\n", id, err)
			continue
		}
		info := snap.Recovery()
		fmt.Printf("%s: %s, %d/%d records (%.1f%%), next batch %d, next row %d\n",
			id, snap.Status, snap.ProcessedRecords, snap.TotalRecords,
			info.ProgressPercentage, info.NextBatchIndex, info.NextRowPosition)
		for _, fb := range snap.FailedBatches {
			fmt.Printf("  failed batch %d after %d retries: %s\n",
				fb.Index, fb.RetryCount, fb.Errors[len(fb.Errors)-1])
		}
	}
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	engine, log, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(engine, log)

	force, _ := cmd.Flags().GetBool("force")

	ctx, cancel := signalContext(log)
	defer cancel()

	if err := engine.Rollback(ctx, args[0], force); err != nil {
		return err
	}
	fmt.Printf("Destination restored from snapshot %s\n", args[0])
	return nil
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	engine, log, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(engine, log)

	snaps := engine.Snapshots()
	if len(snaps) == 0 {
		fmt.Println("No snapshots")
		return nil
	}
	for _, s := range snaps {
		fmt.Printf("%s  %s  operation=%s  rows=%d\n",
			s.ID, s.Timestamp.Format(time.RFC3339), s.OperationID, s.RowCount)
	}
	return nil
}

func closeEngine(engine *app.Engine, log *zap.Logger) {
	if err := engine.Close(); err != nil {
		log.Error("Error closing engine", zap.Error(err))
	}
	_ = log.Sync()
}

func printSummary(operationID string, completed, failed, records int, duration time.Duration) {
	fmt.Printf("Operation %s: %d batches completed, %d failed, %d records in %s\n",
		operationID, completed, failed, records, duration.Round(time.Millisecond))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
