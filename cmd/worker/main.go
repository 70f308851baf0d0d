package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/telemetry"
	"github.com/flowmesh/conductor/runtime/collaborator/llm"
	llmanthropic "github.com/flowmesh/conductor/runtime/collaborator/llm/anthropic"
	"github.com/flowmesh/conductor/runtime/collaborator/llm/gateway"
	llmopenai "github.com/flowmesh/conductor/runtime/collaborator/llm/openai"
	"github.com/flowmesh/conductor/runtime/collaborator/sessionapi"
	"github.com/flowmesh/conductor/runtime/control"
	ctrlfile "github.com/flowmesh/conductor/runtime/control/queue/file"
	ctrlredis "github.com/flowmesh/conductor/runtime/control/queue/redis"
	"github.com/flowmesh/conductor/runtime/engine"
	engineinmem "github.com/flowmesh/conductor/runtime/engine/inmem"
	"github.com/flowmesh/conductor/runtime/notify"
	notifychat "github.com/flowmesh/conductor/runtime/notify/channel/chat"
	notifylog "github.com/flowmesh/conductor/runtime/notify/channel/log"
	notifywebhook "github.com/flowmesh/conductor/runtime/notify/channel/webhook"
	"github.com/flowmesh/conductor/runtime/orchestrator"
	"github.com/flowmesh/conductor/runtime/router"
	"github.com/flowmesh/conductor/runtime/store"
	storefile "github.com/flowmesh/conductor/runtime/store/file"
	storemongo "github.com/flowmesh/conductor/runtime/store/mongo"
	clientsmongo "github.com/flowmesh/conductor/runtime/store/mongo/clients/mongo"
	"github.com/flowmesh/conductor/runtime/worker"
)

func main() {
	var (
		agentsF = flag.String("agents", "agents.yaml", "Agents registry and routing rules file")
		redisF  = flag.String("redis", os.Getenv("REDIS_ADDR"), "Redis address for the shared signal queue (empty: file queue)")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	logger := telemetry.NewClueLogger()

	rt, err := config.FromEnv()
	if err != nil {
		log.Fatal(ctx, err)
	}

	registry, rules, channels, err := loadAgents(*agentsF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	rt.AgentRegistry = registry
	rt.RoutingRules = rules
	if rt.AgentChannels == nil {
		rt.AgentChannels = channels
	}

	llmClient, err := buildLLM(rt)
	if err != nil {
		log.Fatal(ctx, err)
	}

	rtr, err := router.New(rt.RoutingRules, rt.AgentRegistry, llmClient)
	if err != nil {
		log.Fatal(ctx, err)
	}

	sessions, err := sessionapi.New(rt.SessionAPIBaseURL,
		sessionapi.WithBearerToken(rt.SessionAPIKey))
	if err != nil {
		log.Fatal(ctx, err)
	}

	st, err := buildStore(rt)
	if err != nil {
		log.Fatal(ctx, err)
	}

	notifier := buildNotifier(rt, logger)
	notifier.Start(ctx)
	defer notifier.Close(10 * time.Second)

	engines := engine.NewRegistry(func() engine.Context { return engineinmem.New() })
	plane := control.New(buildQueue(rt, *redisF), st, control.WithLiveRuns(engines))

	orch := orchestrator.New(rt, llmClient, rtr, st, notifier, sessions, logger,
		orchestrator.WithEngineRegistry(engines))
	w := worker.New(rt, st, orch, plane, logger,
		worker.WithMetrics(telemetry.NewOTELMetrics("github.com/flowmesh/conductor")))

	log.Print(ctx, log.KV{K: "msg", V: "worker started"}, log.KV{K: "worker_id", V: w.ID()})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal(ctx, err)
	}
}

// loadAgents reads the agents file, falling back to a single-agent
// registry when the file does not exist so a bare checkout still runs.
func loadAgents(path string) (router.Registry, []router.Rule, map[string]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return router.Registry{Agents: []string{"default"}, Default: "default"}, nil, nil, nil
	}
	return config.LoadAgentsFile(path)
}

// buildLLM assembles the provider gateway with a single provider when
// an API key is set: Anthropic for a model name starting with "claude",
// OpenAI otherwise. No fallback provider is added.
func buildLLM(rt *config.Runtime) (llm.Client, error) {
	var providers []llm.Provider
	if rt.LLMAPIKey != "" {
		if strings.HasPrefix(rt.LLMModel, "claude") {
			p, err := llmanthropic.NewFromAPIKey(rt.LLMAPIKey, rt.LLMModel)
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		} else {
			p, err := llmopenai.NewFromAPIKey(rt.LLMAPIKey, rt.LLMModel)
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		}
	}
	return gateway.New(rt.LLMModel, providers...)
}

// buildStore picks the state-store backend: Mongo when MONGO_URI is
// configured, otherwise the single-node file store under the project
// state directory.
func buildStore(rt *config.Runtime) (store.Store, error) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		return storefile.Open(rt.Paths.StateDir())
	}
	cli, err := mongodriver.Connect(mongooptions.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	dbName := os.Getenv("MONGO_DB")
	if dbName == "" {
		dbName = "conductor"
	}
	mc, err := clientsmongo.New(clientsmongo.Options{Client: cli, Database: dbName})
	if err != nil {
		return nil, err
	}
	return storemongo.NewStore(storemongo.Options{
		Client:   mc,
		JobsColl: cli.Database(dbName).Collection("jobs"),
	})
}

func buildQueue(rt *config.Runtime, redisAddr string) control.SignalQueue {
	if redisAddr != "" {
		return ctrlredis.New(goredis.NewClient(&goredis.Options{Addr: redisAddr}))
	}
	return ctrlfile.New(rt.Paths.StateDir())
}

// buildNotifier resolves the channel bindings: explicit per-agent
// bindings first, then the wildcard, then the webhook, then a log line.
func buildNotifier(rt *config.Runtime, logger telemetry.Logger) *notify.Notifier {
	var wildcard notify.Channel = notifylog.Channel{Logger: logger}
	if rt.NotifyWebhookURL != "" {
		wildcard = notifywebhook.New(rt.NotifyWebhookURL)
	}
	botToken := os.Getenv("ORCH_CHAT_BOT_TOKEN")
	if rt.MainChannelID != "" && botToken != "" {
		wildcard = notifychat.New(botToken, rt.MainChannelID)
	}
	bindings := make(map[string]notify.Channel, len(rt.AgentChannels))
	for agent, channelID := range rt.AgentChannels {
		if botToken == "" {
			continue
		}
		if agent == "*" {
			wildcard = notifychat.New(botToken, channelID)
			continue
		}
		bindings[agent] = notifychat.New(botToken, channelID)
	}
	return notify.New(notify.MapResolver{Bindings: bindings, Wildcard: wildcard}, logger, 256)
}
