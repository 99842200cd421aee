package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/agent"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/config"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/instance"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/llm"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/progress"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/qa"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/queue"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/redisx"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/schedule"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/search"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/service"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/task"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/thread"
)

// Exit codes per the CLI contract.
const (
	exitOK       = 0
	exitFailure  = 1
	exitNotFound = 2
)

func run() int {
	root := &cobra.Command{
		Use:           "sre-agent",
		Short:         "Redis SRE agent: worker runtime, scheduler, and ops tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newThreadCmd(),
		newTaskCmd(),
		newIndexCmd(),
		newScheduleCmd(),
		newQueryCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, service.ErrNotFound) {
			return exitNotFound
		}
		return exitFailure
	}
	return exitOK
}

// app is the composition root shared by all commands.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	rdb   *redis.Client
	sm    *search.Manager
	strm  *progress.PubSub
	thr   *thread.Store
	tsk   *task.Store
	sch   *schedule.Store
	inst  *instance.Store
	queue *queue.Queue
	sched *schedule.Scheduler
	svc   *service.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := buildLogger(cfg.Env)

	rdb, err := redisx.NewClient(ctx, log, cfg.Redis.URL, cfg.Redis.Password)
	if err != nil {
		return nil, err
	}

	var cipher *instance.Cipher
	if cfg.MasterKey != "" {
		cipher, err = instance.NewCipher(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("instance cipher: %w", err)
		}
	}

	sm := search.NewManager(log, rdb, cfg.Vector.Dim)
	strm := progress.NewPubSub(log, rdb)
	thr := thread.NewStore(log, rdb, sm, strm)
	tsk := task.NewStore(log, rdb, sm)
	sch := schedule.NewStore(log, rdb, sm)
	inst := instance.NewStore(log, rdb, sm, cipher)
	q := queue.New(log, rdb, cfg.Queue.Name)
	sched := schedule.New(log, sch, thr, q)
	svc := service.New(log, thr, tsk, sch, sched, q, sm)

	return &app{
		cfg: cfg, log: log, rdb: rdb, sm: sm, strm: strm,
		thr: thr, tsk: tsk, sch: sch, inst: inst,
		queue: q, sched: sched, svc: svc,
	}, nil
}

// buildRuntime assembles the LLM-backed worker side on top of the base
// app. Only serve and query need it.
func (a *app) buildRuntime() (*queue.Runtime, error) {
	client := llm.NewClient(a.log, llm.Config{
		APIKey:      a.cfg.LLM.APIKey,
		BaseURL:     a.cfg.LLM.BaseURL,
		Model:       a.cfg.LLM.PrimaryModel,
		NanoModel:   a.cfg.LLM.NanoModel,
		EmbedModel:  a.cfg.LLM.EmbeddingModel,
		Timeout:     a.cfg.LLM.Timeout,
		NanoTimeout: a.cfg.LLM.NanoTimeout,
	})

	var embedder agent.Embedder
	if a.cfg.LLM.APIKey != "" {
		embedder = client
	}
	knowledge := agent.NewKnowledgeTool(a.log, a.sm, embedder)
	providers := map[agent.Kind]agent.ToolProvider{
		agent.KindTriage:        knowledge,
		agent.KindChat:          knowledge,
		agent.KindKnowledgeOnly: knowledge,
	}

	dispatcher := agent.NewDispatcher(
		a.log, a.thr, a.tsk, client,
		agent.NewLLMRouter(a.log, client),
		a.inst, providers,
		agent.NewFactChecker(a.log, client),
		qa.NewStore(a.log, a.rdb, a.sm, embedder),
		agent.Config{
			MaxIterations: a.cfg.Agent.MaxIterations,
			SoftBudget:    a.cfg.Agent.TurnBudget,
		},
	)

	rt := queue.NewRuntime(a.log, a.rdb, a.queue, queue.RuntimeConfig{
		Concurrency:    a.cfg.Queue.Concurrency,
		PollInterval:   a.cfg.Queue.PollInterval,
		MaxTaskRuntime: a.cfg.Queue.MaxTaskRuntime,
	})
	if err := rt.Register(a.sched.Registration()); err != nil {
		return nil, err
	}
	if err := rt.Register(dispatcher.Registration()); err != nil {
		return nil, err
	}
	return rt, nil
}

func (a *app) close() {
	_ = a.log.Sync()
	_ = a.rdb.Close()
}

func buildLogger(env string) *zap.Logger {
	if env == "dev" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
		cfg.DisableCaller = true
		return zap.Must(cfg.Build())
	}
	return zap.Must(zap.NewProduction())
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
