// Command bridged runs the device-to-tool bridge: it terminates the broker
// and stream-socket transports, maintains the device registry, port routing
// matrix, tool projection layer and virtual-tool definitions, serves the MCP
// and REST surface over HTTP, and runs the reflex engine against the live
// tool surface.
//
// # Configuration
//
// Environment variables:
//
//	BRIDGE_BROKER_ADDR          - Redis address for the pub/sub transport (default: "localhost:6379")
//	BRIDGE_BROKER_PASSWORD      - Redis password (optional)
//	BRIDGE_STREAM_ADDR          - stream-socket listen address (default: ":7007")
//	BRIDGE_HTTP_ADDR            - MCP/REST HTTP listen address (default: ":8080")
//	BRIDGE_COMMAND_TIMEOUT      - tool-call round-trip timeout (default: "10s")
//	BRIDGE_DEVICE_SNAPSHOT_PATH - device registry JSON snapshot path
//	BRIDGE_PROJECTION_PATH      - projection config JSON path
//	BRIDGE_ROUTING_PATH         - port routing connections JSON path
//	BRIDGE_VIRTUAL_TOOLS_PATH   - virtual tool definitions JSON path
//	BRIDGE_REFLEX_RULES_DIR     - reflex rule YAML directory
//	BRIDGE_REFLEX_TRASH_DIR     - directory expired reflex rule files move to
//	BRIDGE_REFLEX_WORKERS       - reflex execution worker pool size (default: 10)
//	BRIDGE_MONGO_URI            - execution-history Mongo connection string (optional; falls back to in-memory)
//	BRIDGE_MONGO_DATABASE       - execution-history database name
//	BRIDGE_MONGO_COLLECTION     - execution-history collection name
//	BRIDGE_LLM_PROVIDER         - "anthropic", "openai" or "bedrock" (default: "anthropic")
//	BRIDGE_LLM_API_KEY          - API key for the selected provider (not used for bedrock)
//	BRIDGE_LLM_MODEL            - default model id for the reflex engine's llm action
//	BRIDGE_LLM_INITIAL_TPM      - starting tokens-per-minute budget for the adaptive rate limiter (default: 60000)
//	BRIDGE_LLM_MAX_TPM          - ceiling tokens-per-minute budget for the adaptive rate limiter (default: 60000)
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fieldmesh/reflexbridge/internal/command"
	"github.com/fieldmesh/reflexbridge/internal/config"
	"github.com/fieldmesh/reflexbridge/internal/ingest"
	"github.com/fieldmesh/reflexbridge/internal/llm"
	"github.com/fieldmesh/reflexbridge/internal/llm/anthropic"
	"github.com/fieldmesh/reflexbridge/internal/llm/bedrock"
	"github.com/fieldmesh/reflexbridge/internal/llm/openai"
	"github.com/fieldmesh/reflexbridge/internal/mcpsurface"
	"github.com/fieldmesh/reflexbridge/internal/ports"
	"github.com/fieldmesh/reflexbridge/internal/projection"
	"github.com/fieldmesh/reflexbridge/internal/reflex"
	"github.com/fieldmesh/reflexbridge/internal/registry"
	"github.com/fieldmesh/reflexbridge/internal/runlog"
	runlogmongo "github.com/fieldmesh/reflexbridge/internal/runlog/mongo"
	"github.com/fieldmesh/reflexbridge/internal/telemetry"
	"github.com/fieldmesh/reflexbridge/internal/transport/broker"
	"github.com/fieldmesh/reflexbridge/internal/transport/stream"
	"github.com/fieldmesh/reflexbridge/internal/virtualtool"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.BrokerAddr, Password: cfg.BrokerPassword})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to broker redis: %w", err)
	}

	reg := registry.New(
		registry.WithSnapshotPath(cfg.DeviceSnapshotPath),
		registry.WithLogger(logger),
		registry.WithMetrics(metrics),
		registry.WithTracer(tracer),
	)

	portStore := ports.NewStore()
	matrix := ports.NewMatrix(cfg.RoutingPath)
	portRouter := ports.NewRouter(matrix, reg.Sink, ports.WithLogger(logger), ports.WithMetrics(metrics), ports.WithTracer(tracer))

	projStore, err := projection.New(cfg.ProjectionPath)
	if err != nil {
		return fmt.Errorf("load projection config: %w", err)
	}
	projRegistry := projection.NewRegistry()
	for _, dev := range reg.List(false) {
		projStore.Seed(dev.DeviceID)
		projRegistry.Rebuild(projStore, dev)
	}

	vtStore, err := virtualtool.New(cfg.VirtualToolsPath)
	if err != nil {
		return fmt.Errorf("load virtual tools: %w", err)
	}

	cmdRouter := command.New(reg,
		command.WithTimeout(cfg.CommandTimeout),
		command.WithLogger(logger), command.WithMetrics(metrics), command.WithTracer(tracer),
	)
	vtExecutor := virtualtool.NewExecutor(cmdRouter, reg, virtualtool.WithWorkers(cfg.ReflexWorkers), virtualtool.WithCallTimeout(cfg.CommandTimeout))

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		log.Printf("llm client unavailable, reflexes using the llm action will fail: %v", err)
	}

	historyStore, err := buildHistoryStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build execution history store: %w", err)
	}

	mcp := mcpsurface.New(mcpsurface.Deps{
		Registry: reg, Ports: portStore, Matrix: matrix, PortRouter: portRouter,
		Projection: projStore, ProjectedTools: projRegistry,
		VirtualTools: vtStore, Executor: vtExecutor, Commands: cmdRouter,
		Reload: func() error {
			if err := projStore.Reload(); err != nil {
				return err
			}
			projRegistry.Reload(projStore, reg.List(false))
			return nil
		},
	})

	reflexEngine := reflex.New(cfg.ReflexRulesDir, cfg.ReflexTrashDir, mcp, llmClient, historyStore, reflex.WithWorkers(cfg.ReflexWorkers))

	brokerTransport, err := broker.New(ctx, broker.Options{Client: rdb, Logger: logger})
	if err != nil {
		return fmt.Errorf("start broker transport: %w", err)
	}
	streamTransport, err := stream.Listen(ctx, stream.Options{Addr: cfg.StreamAddr, Logger: logger})
	if err != nil {
		return fmt.Errorf("listen stream socket on %s: %w", cfg.StreamAddr, err)
	}

	ingestDeps := ingest.Deps{
		Registry: reg, Ports: portStore, PortRouter: portRouter, Commands: cmdRouter,
		Reflexes: reflexEngine, Projection: projStore, ProjectedTools: projRegistry,
	}
	brokerLoop := ingest.New(ingestDeps, nil)
	streamLoop := ingest.New(ingestDeps, nil)

	go brokerLoop.Run(ctx, brokerTransport)
	go streamLoop.Run(ctx, streamTransport)
	go reflexEngine.Run(ctx)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mcp.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		reflexEngine.Stop(5 * time.Second)
	}()

	log.Printf("bridged listening: http=%s stream=%s broker=%s", cfg.HTTPAddr, cfg.StreamAddr, cfg.BrokerAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func buildLLMClient(cfg config.Config) (llm.Client, error) {
	c, err := buildRawLLMClient(cfg)
	if err != nil {
		return nil, err
	}
	limiter := llm.NewAdaptiveRateLimiter(cfg.LLMInitialTPM, cfg.LLMMaxTPM)
	return limiter.Wrap(c), nil
}

func buildRawLLMClient(cfg config.Config) (llm.Client, error) {
	if cfg.LLMProvider == "bedrock" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		c, err := bedrock.New(bedrock.Options{
			Runtime:      bedrockruntime.NewFromConfig(awsCfg),
			DefaultModel: cfg.LLMModel,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	if cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("no api key configured for provider %q", cfg.LLMProvider)
	}
	switch cfg.LLMProvider {
	case "openai":
		c, err := openai.NewFromAPIKey(cfg.LLMAPIKey, cfg.LLMModel)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		c, err := anthropic.NewFromAPIKey(cfg.LLMAPIKey, anthropic.Options{DefaultModel: cfg.LLMModel})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func buildHistoryStore(ctx context.Context, cfg config.Config) (runlog.Store, error) {
	if cfg.MongoURI == "" {
		return runlog.NewInMemory(), nil
	}
	client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	mongoClient, err := runlogmongo.New(runlogmongo.Options{
		Client: client, Database: cfg.MongoDatabase, Collection: cfg.MongoCollection,
	})
	if err != nil {
		return nil, err
	}
	store, err := runlogmongo.NewStore(mongoClient)
	if err != nil {
		return nil, err
	}
	return store, nil
}
