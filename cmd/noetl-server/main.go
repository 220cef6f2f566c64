// Command noetl-server runs the coordinator: the Control-Flow Engine (G)
// behind the HTTP façade (spec §6), backed by Postgres (event log, command
// store, catalog), Redis (loop KV, variable store), and NATS (notification
// bus).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/noetl/noetl-go/internal/catalog"
	"github.com/noetl/noetl-go/internal/commandstore"
	"github.com/noetl/noetl-go/internal/config"
	"github.com/noetl/noetl-go/internal/engine"
	"github.com/noetl/noetl-go/internal/eventlog"
	"github.com/noetl/noetl-go/internal/httpapi"
	"github.com/noetl/noetl-go/internal/id"
	"github.com/noetl/noetl-go/internal/loopkv"
	"github.com/noetl/noetl-go/internal/notifybus"
	"github.com/noetl/noetl-go/internal/render"
	"github.com/noetl/noetl-go/internal/state"
	"github.com/noetl/noetl-go/internal/telemetry"
	"github.com/noetl/noetl-go/internal/varstore"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "noetl-server",
		Short: "runs the noetl coordinator (control-flow engine + HTTP façade)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), v)
		},
	}
	config.BindFlags(v, root.Flags())
	root.AddCommand(newSubmitCommand(v))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newSubmitCommand implements the clictl-style one-shot submit command
// (SPEC_FULL.md supplemented feature #3): a thin CLI wrapper that registers
// a playbook YAML/JSON source via POST /catalog, then starts an execution
// against it via POST /executions. This is explicitly not the full CLI
// (catalog versioning, auth) — it mirrors teacher cmd/demo's one-shot
// "run this file" convenience command.
func newSubmitCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <playbook.yaml> [payload.json]",
		Short: "register a playbook and start an execution against it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read playbook: %w", err)
			}
			payload := map[string]any{}
			if len(args) == 2 {
				payloadBytes, err := os.ReadFile(args[1])
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				if err := json.Unmarshal(payloadBytes, &payload); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}

			serverURL := v.GetString("server_url")
			var registered struct {
				CatalogID string `json:"catalog_id"`
			}
			if err := postJSON(serverURL+"/catalog", map[string]any{
				"path":   args[0],
				"source": string(source),
			}, &registered); err != nil {
				return fmt.Errorf("register catalog: %w", err)
			}

			var started struct {
				ExecutionID string `json:"execution_id"`
			}
			if err := postJSON(serverURL+"/executions", map[string]any{
				"catalog_id": registered.CatalogID,
				"payload":    payload,
			}, &started); err != nil {
				return fmt.Errorf("start execution: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "execution_id=%s\n", started.ExecutionID)
			return nil
		},
	}
	return cmd
}

func postJSON(url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// redisPinger adapts *redis.Client's Ping (which returns a *StatusCmd) to
// the httpapi.Pinger interface's plain error return.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func runServer(ctx context.Context, v *viper.Viper) error {
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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	bus, err := notifybus.Connect(ctx, cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer bus.Close()

	gen := id.NewGenerator(cfg.NodeID)

	events := eventlog.New(pool, gen)
	commands := commandstore.New(pool, gen)
	loopStore := loopkv.New(rdb)
	varStore := varstore.New(rdb)
	catalogStore := catalog.New(pool, gen)
	renderer := render.New()
	reconstructor := state.New(events, catalogStore)

	for _, ensurer := range []interface {
		EnsureSchema(ctx context.Context) error
	}{events, commands, catalogStore} {
		if err := ensurer.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	eng := engine.New(engine.Options{
		Events:                     events,
		Commands:                   commands,
		Notify:                     bus,
		Loop:                       loopStore,
		State:                      reconstructor,
		Render:                     renderer,
		IDGen:                      gen,
		ServerURL:                  cfg.ServerURL,
		Logger:                     logger,
		TaskSeqLoopRepairThreshold: cfg.TaskSeqLoopRepairThreshold,
	})

	srv := &httpapi.Server{
		Engine:   eng,
		Catalog:  catalogStore,
		State:    reconstructor,
		Events:   events,
		Lister:   events,
		Vars:     varStore,
		Logger:   logger,
		Postgres: pool,
		Redis:    redisPinger{rdb},
		NATS:     bus,
	}

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(srv),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "noetl-server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
