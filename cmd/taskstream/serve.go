package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"goa.design/taskstream/config"
	kvredis "goa.design/taskstream/features/kv/redis"
	messagemongo "goa.design/taskstream/features/message/mongo"
	clientsmongo "goa.design/taskstream/features/message/mongo/clients/mongo"
	anthropicmodel "goa.design/taskstream/features/model/anthropic"
	openaimodel "goa.design/taskstream/features/model/openai"
	streampulse "goa.design/taskstream/features/stream/pulse"
	clientspulse "goa.design/taskstream/features/stream/pulse/clients/pulse"
	"goa.design/taskstream/runtime/generate"
	"goa.design/taskstream/runtime/pipeline"
	"goa.design/taskstream/runtime/ratelimit"
	"goa.design/taskstream/runtime/taskqueue"
	"goa.design/taskstream/runtime/telemetry"
	"goa.design/taskstream/transport/sse"
)

const (
	dailyWindow       = 24 * time.Hour
	dailyWindowPrefix = "tenant_daily_requests"
	shutdownTimeout   = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := logContext(cmd.Context(), cfg.Log.Format, cfg.Log.Debug)
			if err := serve(ctx, cfg); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "server failed"})
				return err
			}
			return nil
		},
	}
}

// serve wires the stores, limiters, runner, and transport, and blocks until
// ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	tel := telemetry.Default()

	rdb, err := newRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf(ctx, "close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	store, err := kvredis.New(rdb)
	if err != nil {
		return err
	}
	pingers := []health.Pinger{store}

	var (
		index   ratelimit.ClientIndex = ratelimit.NewKVIndex(store)
		node    *pool.Node
		mirror  *streampulse.Mirror
		watcher sse.EventWatcher
	)
	if cfg.Pulse.Enabled {
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Pulse.StreamMaxLen})
		if err != nil {
			return fmt.Errorf("create pulse client: %w", err)
		}
		mirror, err = streampulse.NewMirror(streampulse.Options{Client: pc, Retention: cfg.Pulse.StreamRetention})
		if err != nil {
			return err
		}
		defer func() {
			if err := mirror.Close(context.WithoutCancel(ctx)); err != nil {
				log.Printf(ctx, "close pulse client: %v", err)
			}
		}()
		sub, err := mirror.Subscriber(streampulse.SubscriberOptions{})
		if err != nil {
			return err
		}
		watcher = sub

		clients, err := rmap.Join(ctx, cfg.Pulse.NodeName+":clients", rdb)
		if err != nil {
			return fmt.Errorf("join client map: %w", err)
		}
		defer clients.Close()
		index = ratelimit.NewRMapIndex(clients)

		node, err = pool.AddNode(ctx, cfg.Pulse.NodeName, rdb)
		if err != nil {
			return fmt.Errorf("add pool node: %w", err)
		}
		defer func() {
			if err := node.Close(context.WithoutCancel(ctx)); err != nil {
				log.Printf(ctx, "close pool node: %v", err)
			}
		}()
	}

	limiters, err := ratelimit.NewManager(store, ratelimit.WithClientIndex(index), ratelimit.WithTelemetry(tel))
	if err != nil {
		return err
	}
	reaperOpts := []ratelimit.ReaperOption{
		ratelimit.WithReaperInterval(cfg.Limits.ReaperInterval),
		ratelimit.WithReaperTelemetry(tel),
	}
	if node != nil {
		reaperOpts = append(reaperOpts, ratelimit.WithReaperNode(node))
	}
	reaper, err := ratelimit.NewReaper(store, index, reaperOpts...)
	if err != nil {
		return err
	}
	if err := reaper.Start(ctx); err != nil {
		return err
	}
	defer reaper.Close()

	var window *ratelimit.WindowLimiter
	if cfg.Limits.DailyLimit > 0 {
		window, err = ratelimit.NewWindowLimiter(store, dailyWindowPrefix, cfg.Limits.DailyLimit, dailyWindow)
		if err != nil {
			return err
		}
	}

	queueOpts := []taskqueue.Option{
		taskqueue.WithPollInterval(cfg.Queue.PollInterval),
		taskqueue.WithHeartbeatInterval(cfg.Queue.HeartbeatInterval),
		taskqueue.WithMaxExecutionTime(cfg.Limits.MaxExecutionTime),
	}
	if mirror != nil {
		queueOpts = append(queueOpts, taskqueue.WithMirror(mirror))
	}

	runner, err := newRunner(cfg)
	if err != nil {
		return err
	}

	var (
		messages pipeline.MessageStore
		namer    pipeline.Namer
	)
	if cfg.Mongo.URI != "" {
		mc, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := mc.Disconnect(context.WithoutCancel(ctx)); err != nil {
				log.Printf(ctx, "disconnect mongo: %v", err)
			}
		}()
		ms, err := messagemongo.NewStoreFromMongo(clientsmongo.Options{Client: mc, Database: cfg.Mongo.Database})
		if err != nil {
			return err
		}
		messages = ms
		pingers = append(pingers, ms.Client())
		if cfg.Model.OpenAIKey != "" {
			namer, err = openaimodel.NewNamer(openaimodel.NamerOptions{
				Client: openai.NewClient(cfg.Model.OpenAIKey),
				Model:  cmp.Or(cfg.Model.NamingModel, openAINamingModel(cfg)),
				Sink:   ms,
			})
			if err != nil {
				return err
			}
		}
	}

	var moderator pipeline.Moderator
	if len(cfg.Moderation.Keywords) > 0 {
		moderator = pipeline.KeywordModerator{Keywords: cfg.Moderation.Keywords, PresetResponse: cfg.Moderation.PresetResponse}
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	svc, err := generate.New(generate.Options{
		Store:        store,
		Limiters:     limiters,
		Runner:       runner,
		Window:       window,
		QueueOptions: queueOpts,
		MessageStore: messages,
		Moderator:    moderator,
		Namer:        namer,
		StopPolicy:   policy,
		Telemetry:    tel,
	})
	if err != nil {
		return err
	}
	h, err := sse.New(sse.Options{
		Generator: svc,
		Apps:      appLookup(cfg),
		Watcher:   watcher,
		Health:    health.Handler(health.NewChecker(pingers...)),
		Telemetry: tel,
	})
	if err != nil {
		return err
	}

	var handler http.Handler = sse.NewRouter(h)
	if cfg.Log.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.HTTP.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Printf(ctx, "shutting down HTTP server at %q", cfg.HTTP.Addr)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func newRedisClient(c config.Redis) (*redis.Client, error) {
	if !strings.Contains(c.URL, "://") {
		return redis.NewClient(&redis.Options{Addr: c.URL, Password: c.Password, DB: c.DB}), nil
	}
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if c.Password != "" {
		opts.Password = c.Password
	}
	return redis.NewClient(opts), nil
}

func newRunner(cfg *config.Config) (generate.Runner, error) {
	m := cfg.Model
	switch m.Provider {
	case config.ProviderAnthropic:
		ac := sdk.NewClient(option.WithAPIKey(m.AnthropicKey))
		return anthropicmodel.New(&ac.Messages, anthropicmodel.Options{
			Model:        m.Name,
			SystemPrompt: m.SystemPrompt,
			MaxTokens:    int64(m.MaxTokens),
			Temperature:  m.Temperature,
		})
	case config.ProviderOpenAI:
		return openaimodel.NewRunner(openaimodel.Options{
			Client:       openai.NewClient(m.OpenAIKey),
			Model:        m.Name,
			SystemPrompt: m.SystemPrompt,
			MaxTokens:    m.MaxTokens,
			Temperature:  float32(m.Temperature),
		})
	}
	return nil, fmt.Errorf("unknown model provider %q", m.Provider)
}

// openAINamingModel picks the naming model when none is configured: the
// generation model for the openai provider, a small default otherwise.
func openAINamingModel(cfg *config.Config) string {
	if cfg.Model.Provider == config.ProviderOpenAI {
		return cfg.Model.Name
	}
	return openai.GPT4oMini
}

func appLookup(cfg *config.Config) sse.AppLookup {
	return func(_ context.Context, appID string) (sse.AppSettings, error) {
		app := cfg.Apps[appID]
		return sse.AppSettings{
			MaxActiveRequests: cfg.MaxActiveRequests(appID),
			TenantID:          app.TenantID,
			Mode:              cmp.Or(app.Mode, "chat"),
		}, nil
	}
}
