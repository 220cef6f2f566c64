// Command noetl-worker runs a worker process: it claims commands from the
// coordinator's Command Store, executes tools/task-sequences (component H),
// and reports lifecycle events back through the coordinator's HTTP façade
// (spec §4.8, §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/noetl/noetl-go/internal/commandstore"
	"github.com/noetl/noetl-go/internal/config"
	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/notifybus"
	"github.com/noetl/noetl-go/internal/render"
	"github.com/noetl/noetl-go/internal/taskseq"
	"github.com/noetl/noetl-go/internal/telemetry"
	"github.com/noetl/noetl-go/internal/tools"
	"github.com/noetl/noetl-go/internal/worker"
	"github.com/noetl/noetl-go/internal/workerclient"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "noetl-worker",
		Short: "runs a noetl worker (tool adapters + task-sequence executor)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), v)
		},
	}
	config.BindFlags(v, root.Flags())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewClueLogger()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	bus, err := notifybus.Connect(ctx, cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer bus.Close()

	gen := id.NewGenerator(cfg.NodeID)
	commands := commandstore.New(pool, gen)

	client := workerclient.New(cfg.ServerURL)
	registry := tools.NewRegistry(pool, client)
	renderer := render.New()
	executor := taskseq.New(registry, renderer)

	workerID := "worker-" + uuid.NewString()
	runner := worker.New(worker.Options{
		WorkerID: workerID,
		Commands: commands,
		Bus:      bus,
		Reporter: client,
		Tools:    registry,
		TaskSeq:  executor,
		Logger:   logger,
	})

	logger.Info(ctx, "noetl-worker starting", "worker_id", workerID)
	return runner.Run(ctx, cfg.NATSConsumer, cfg.NATSMaxInFlight)
}
