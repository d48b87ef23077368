// Package economy 是组合根：按配置装配账本、目录、经纪方、worker 车队、
// 结算引擎与快照聚合器，并管理它们的生命周期。
package economy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"Agent-Economy/internal/broker"
	"Agent-Economy/internal/chain"
	chaineth "Agent-Economy/internal/chain/ethereum"
	"Agent-Economy/internal/config"
	"Agent-Economy/internal/directory"
	xerrors "Agent-Economy/internal/errors"
	"Agent-Economy/internal/executor"
	"Agent-Economy/internal/executor/openai"
	"Agent-Economy/internal/ledger"
	"Agent-Economy/internal/observability/alerting"
	"Agent-Economy/internal/observability/metrics"
	"Agent-Economy/internal/queue"
	"Agent-Economy/internal/registry"
	"Agent-Economy/internal/settlement"
	"Agent-Economy/internal/snapshot"
	"Agent-Economy/internal/storage/mysql"
	"Agent-Economy/internal/worker"
	"Agent-Economy/pkg/logger"
)

// Economy 聚合经济体的全部运行组件。
type Economy struct {
	cfg      *config.Config
	log      ledger.Log
	dir      *directory.Directory
	profiles executor.Profiles
	broker   *broker.Broker
	engine   *settlement.Engine
	agg      *snapshot.Aggregator
	chain    chain.Client
	intake   queue.Queue
	alerts   alerting.Dispatcher
	workers  []*worker.Worker
	pubs     []*registry.Publisher

	closeOnce sync.Once
	closers   []func() error
}

// New 按配置装配经济体。所有组件在此创建但尚未运行，调用 Run 启动。
func New(cfg *config.Config) (*Economy, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Economy{cfg: cfg}

	log, err := buildLedger(cfg)
	if err != nil {
		return nil, err
	}
	e.log = log
	e.closers = append(e.closers, log.Close)

	e.dir = directory.New(directory.WithStaleness(cfg.Registry.Staleness()))

	profiles, err := executor.LoadProfiles(cfg.Executor.Profiles)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载 worker 画像失败")
	}
	e.profiles = profiles

	exec, err := buildExecutor(cfg, profiles)
	if err != nil {
		return nil, err
	}

	chainClient, err := buildChain(cfg)
	if err != nil {
		return nil, err
	}
	e.chain = chainClient
	e.closers = append(e.closers, func() error {
		chainClient.Close()
		return nil
	})

	brokerID := registry.NewAgentID(directory.KindBroker)
	e.broker = broker.New(log, e.dir, profiles,
		broker.WithAssignTimeout(cfg.Broker.AssignTimeout()),
		broker.WithID(brokerID),
	)

	archive, err := buildArchive(cfg)
	if err != nil {
		return nil, err
	}
	settlementID := registry.NewAgentID(directory.KindSettlement)
	settlementOpts := []settlement.Option{
		settlement.WithID(settlementID),
	}
	if cfg.Chain.Treasury != "" {
		settlementOpts = append(settlementOpts, settlement.WithTreasury(cfg.Chain.Treasury))
	}
	if archive != nil {
		settlementOpts = append(settlementOpts, settlement.WithArchive(archive))
	}
	e.alerts = buildAlerts(cfg)
	settlementOpts = append(settlementOpts, settlement.WithAlerts(e.alerts))
	e.engine = settlement.New(log, chainClient, settlement.DefaultPolicy(), e.broker, settlementOpts...)

	e.agg = snapshot.New(log, e.dir, e.engine)

	// 非 worker 智能体也在目录中占位，让快照反映完整的经济体拓扑。
	e.pubs = append(e.pubs,
		registry.NewPublisher(log, registry.Identity{ID: brokerID, Kind: directory.KindBroker, Name: "task-broker"},
			registry.WithInterval(cfg.Registry.HeartbeatInterval())),
		registry.NewPublisher(log, registry.Identity{ID: settlementID, Kind: directory.KindSettlement, Name: "settlement-engine"},
			registry.WithInterval(cfg.Registry.HeartbeatInterval())),
	)

	// worker 的注册发布器由 worker.Run 自己驱动：先订阅任务主题再注册，
	// 保证注册可见后立刻到达的指派不会漏掉。
	for _, profile := range profiles.Workers {
		pub := registry.NewPublisher(log, registry.Identity{
			ID:     registry.NewAgentID(directory.KindWorker),
			Kind:   directory.KindWorker,
			Name:   profile.Name,
			Skills: append([]string(nil), profile.Skills...),
		}, registry.WithInterval(cfg.Registry.HeartbeatInterval()))
		e.workers = append(e.workers, worker.New(log, pub, exec))
	}

	intake, err := buildQueue(cfg)
	if err != nil {
		return nil, err
	}
	e.intake = intake
	e.closers = append(e.closers, intake.Close)

	return e, nil
}

func buildLedger(cfg *config.Config) (ledger.Log, error) {
	switch strings.ToLower(cfg.Ledger.Driver) {
	case "", "memory":
		return ledger.NewMemoryLog(), nil
	case "redis":
		log, err := ledger.NewRedisLog(ledger.RedisLogConfig{
			Address:   cfg.Ledger.Address,
			Password:  cfg.Ledger.Password,
			DB:        cfg.Ledger.DB,
			KeyPrefix: cfg.Ledger.KeyPrefix,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 Redis 账本失败")
		}
		return log, nil
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未知的账本驱动: "+cfg.Ledger.Driver)
	}
}

func buildExecutor(cfg *config.Config, profiles executor.Profiles) (executor.Executor, error) {
	switch strings.ToLower(cfg.Executor.Provider) {
	case "", "canned":
		return executor.NewCannedExecutor(profiles), nil
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:  cfg.Executor.APIKey,
			BaseURL: cfg.Executor.BaseURL,
			Model:   cfg.Executor.Model,
			Timeout: cfg.Executor.Timeout(),
		}, profiles)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化推理执行器失败")
		}
		return client, nil
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未知的执行器: "+cfg.Executor.Provider)
	}
}

func buildChain(cfg *config.Config) (chain.Client, error) {
	switch strings.ToLower(cfg.Chain.Mode) {
	case "", "mock":
		var opts []chain.MockOption
		if cfg.Chain.Operator != "" {
			opts = append(opts, chain.WithOperator(cfg.Chain.Operator))
		}
		return chain.NewMockClient(opts...), nil
	case "ethereum":
		client, err := chaineth.NewClient(context.Background(), chaineth.Config{
			RPCURL:     cfg.Chain.RPCURL,
			PrivateKey: cfg.Chain.PrivateKey,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化以太坊结算链路失败")
		}
		return client, nil
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未知的结算链路: "+cfg.Chain.Mode)
	}
}

func buildArchive(cfg *config.Config) (settlement.Archive, error) {
	switch strings.ToLower(cfg.Storage.SettlementArchive.Driver) {
	case "none":
		return nil, nil
	case "", "memory":
		archive, err := mysql.NewMemorySettlementArchive(cfg.Runtime.DataDir)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化结算归档失败")
		}
		return archive, nil
	case "mysql":
		archive, err := mysql.NewSQLSettlementArchive(cfg.Storage.SettlementArchive.DSN)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 MySQL 结算归档失败")
		}
		return archive, nil
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未知的归档驱动: "+cfg.Storage.SettlementArchive.Driver)
	}
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

func buildQueue(cfg *config.Config) (queue.Queue, error) {
	switch strings.ToLower(cfg.Queue.Driver) {
	case "", "memory":
		return queue.NewMemoryQueue(0), nil
	case "redis":
		q, err := queue.NewRedisQueue(queue.RedisConfig{
			Address:  cfg.Queue.Address,
			Password: cfg.Queue.Password,
			DB:       cfg.Queue.DB,
			Queue:    cfg.Queue.Queue,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 Redis 队列失败")
		}
		return q, nil
	case "rabbitmq":
		q, err := queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:     cfg.Queue.URL,
			Queue:   cfg.Queue.Queue,
			Durable: true,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 RabbitMQ 队列失败")
		}
		return q, nil
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未知的队列驱动: "+cfg.Queue.Driver)
	}
}

// Run 启动全部后台循环并阻塞至上下文取消。
func (e *Economy) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.L().Error("后台循环退出",
					slog.String("component", name),
					slog.Any("error", err),
				)
			}
		}()
	}

	start("directory", func(ctx context.Context) error { return e.dir.Follow(ctx, e.log) })
	start("broker", e.broker.Run)
	start("settlement", e.engine.Run)
	start("snapshot", e.agg.Run)
	for _, pub := range e.pubs {
		start("registry:"+pub.Identity().ID, pub.Run)
	}
	for _, w := range e.workers {
		start("worker:"+w.ID(), w.Run)
	}
	start("intake", func(ctx context.Context) error {
		return e.intake.Consume(ctx, e.cfg.Queue.Consumers, e.consumeIntake)
	})

	logger.L().Info("经济体已启动",
		slog.Int("workers", len(e.workers)),
		slog.String("ledger", e.cfg.Ledger.Driver),
		slog.String("chain", e.cfg.Chain.Mode),
	)

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// consumeIntake 处理队列中的异步任务请求。
func (e *Economy) consumeIntake(ctx context.Context, payload []byte) error {
	var req broker.SubmitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.L().Warn("无法解析队列中的任务请求", slog.Any("error", err))
		return nil
	}
	task, err := e.broker.Submit(ctx, req)
	if err != nil {
		logger.L().Warn("异步任务处理失败",
			slog.String("task_type", req.Type),
			slog.Any("error", err),
		)
	}
	if task != nil {
		metrics.ObserveTask(string(task.Status))
	}
	e.alertOnTimeout(ctx, task, err)
	return nil
}

// SubmitTask 同步提交任务并阻塞至终态。
func (e *Economy) SubmitTask(ctx context.Context, req broker.SubmitRequest) (*broker.Task, error) {
	task, err := e.broker.Submit(ctx, req)
	if task != nil {
		metrics.ObserveTask(string(task.Status))
	}
	e.alertOnTimeout(ctx, task, err)
	return task, err
}

// alertOnTimeout 把指派超时上报告警渠道，与结算失败共用同一出口。
func (e *Economy) alertOnTimeout(ctx context.Context, task *broker.Task, err error) {
	if err == nil || e.alerts == nil || xerrors.CodeOf(err) != xerrors.CodeAssignmentTimeout {
		return
	}
	event := alerting.FromError(err, "")
	if task != nil {
		event.TaskID = task.ID
		event.WorkerID = task.WorkerID
		event.AmountHBAR = task.BudgetHBAR
	}
	if notifyErr := e.alerts.Notify(ctx, event); notifyErr != nil {
		logger.L().Warn("发送超时告警失败", slog.Any("error", notifyErr))
	}
}

// EnqueueTask 把任务请求投递到异步入口队列。
func (e *Economy) EnqueueTask(ctx context.Context, req broker.SubmitRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidRequest, err, "序列化任务请求失败")
	}
	if err := e.intake.Publish(ctx, payload); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递任务请求失败")
	}
	return nil
}

// Snapshot 返回经济体当前的聚合视图。
func (e *Economy) Snapshot() snapshot.EconomySnapshot {
	return e.agg.Snapshot()
}

// SubscribeSnapshots 订阅快照推送。
func (e *Economy) SubscribeSnapshots() (<-chan snapshot.EconomySnapshot, func()) {
	return e.agg.Subscribe()
}

// Broker 暴露经纪方，供 API 层查询任务。
func (e *Economy) Broker() *broker.Broker { return e.broker }

// Directory 暴露智能体目录。
func (e *Economy) Directory() *directory.Directory { return e.dir }

// Ledger 暴露主题日志。
func (e *Economy) Ledger() ledger.Log { return e.log }

// Settlements 返回最近的结算记录。
func (e *Economy) Settlements(limit int) []settlement.Record {
	return e.engine.Records(limit)
}

// RunDemo 依次提交每类内置任务各一条，驱动一轮完整的演示流程。
func (e *Economy) RunDemo(ctx context.Context) []*broker.Task {
	samples := []broker.SubmitRequest{
		{Type: "summarize", Payload: "Hedera is a public distributed ledger built on hashgraph consensus...", BudgetHBAR: 0.5},
		{Type: "review", Payload: "def transfer(a, b, amt): a.bal -= amt; b.bal += amt", BudgetHBAR: 1.0},
		{Type: "analyze", Payload: "daily_active_agents: [12, 18, 25, 31, 44]", BudgetHBAR: 0.8},
	}
	results := make([]*broker.Task, 0, len(samples))
	for _, sample := range samples {
		task, err := e.SubmitTask(ctx, sample)
		if err != nil {
			logger.L().Warn("演示任务未完成",
				slog.String("task_type", sample.Type),
				slog.Any("error", err),
			)
		}
		if task != nil {
			results = append(results, task)
		}
	}
	return results
}

// Close 释放底层资源。幂等。
func (e *Economy) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		for i := len(e.closers) - 1; i >= 0; i-- {
			if err := e.closers[i](); err != nil && closeErr == nil {
				closeErr = fmt.Errorf("释放资源失败: %w", err)
			}
		}
	})
	return closeErr
}
