package controllers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"me.sttot/cert-reconciler/src/config"
	"me.sttot/cert-reconciler/src/metrics"
	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/utils"
)

// TargetLoader 返回当前需要管理的全部目标，配置部分无效时可以同时返回有效目标和错误
type TargetLoader func(ctx context.Context) ([]config.Target, error)

// SourceFactory 为每个目标创建证书来源，不同目标可以使用不同的DNS提供方或ACME服务器
type SourceFactory func(target config.Target) CertificateSource

// StatusRecorder 保存每个目标最近一次运行的结果
type StatusRecorder interface {
	Record(ctx context.Context, target models.RenewalTarget, outcome models.RenewalOutcome, now time.Time) error
}

type ControllerOptions struct {
	CheckInterval  time.Duration
	RunTimeout     time.Duration
	RolloutTimeout time.Duration
	// Concurrency 限制同时运行的目标数量，0 表示不限制
	Concurrency int

	RateLimitBaseDelay time.Duration
	RateLimitMaxDelay  time.Duration

	Status     StatusRecorder
	Clock      clock.WithTicker
	Reconciler []Option
}

// CertificateController 定期对所有目标执行续签，被证书颁发机构限流的目标会按指数退避跳过
type CertificateController struct {
	loadTargets TargetLoader
	newSource   SourceFactory
	store       SecretStore
	reloader    WorkloadReloader
	opts        ControllerOptions

	limiter   workqueue.RateLimiter
	mu        sync.Mutex
	notBefore map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewCertificateController(loadTargets TargetLoader, newSource SourceFactory, store SecretStore, reloader WorkloadReloader, opts ControllerOptions) *CertificateController {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 24 * time.Hour
	}
	if opts.RateLimitBaseDelay <= 0 {
		opts.RateLimitBaseDelay = time.Hour
	}
	if opts.RateLimitMaxDelay < opts.RateLimitBaseDelay {
		opts.RateLimitMaxDelay = opts.RateLimitBaseDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	// 协调器与控制器使用同一个时钟，放在最前面让调用方的选项可以覆盖
	opts.Reconciler = append([]Option{WithClock(opts.Clock)}, opts.Reconciler...)

	return &CertificateController{
		loadTargets: loadTargets,
		newSource:   newSource,
		store:       store,
		reloader:    reloader,
		opts:        opts,
		limiter:     workqueue.NewItemExponentialFailureRateLimiter(opts.RateLimitBaseDelay, opts.RateLimitMaxDelay),
		notBefore:   map[string]time.Time{},
		stopCh:      make(chan struct{}),
	}
}

// Start 立即处理一次所有目标，然后按检查周期定期处理
func (c *CertificateController) Start(ctx context.Context) error {
	utils.InfoLog("启动证书控制器")
	utils.DebugLog("证书检查周期为 %s", c.opts.CheckInterval)

	if err := c.ProcessAllTargets(ctx); err != nil {
		utils.ErrorLog("初始处理证书失败: %v", err)
	}

	go func() {
		utils.DebugLog("启动定期证书检查任务，首次检查将在 %s 后执行", c.opts.CheckInterval)
		ticker := c.opts.Clock.NewTicker(c.opts.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C():
				utils.DebugLog("执行定期证书检查任务")
				if err := c.ProcessAllTargets(ctx); err != nil {
					utils.ErrorLog("定期处理证书失败: %v", err)
				}
			case <-ctx.Done():
				utils.DebugLog("上下文已取消，定期证书检查任务停止")
				return
			case <-c.stopCh:
				utils.DebugLog("定期证书检查任务已停止")
				return
			}
		}
	}()

	return nil
}

// Stop 停止定期检查，正在进行的运行由调用方通过 ctx 取消
func (c *CertificateController) Stop() {
	c.stopOnce.Do(func() {
		utils.InfoLog("停止证书控制器")
		close(c.stopCh)
	})
}

// ProcessAllTargets 处理所有目标，单个目标失败不影响其他目标，返回所有失败的聚合错误
func (c *CertificateController) ProcessAllTargets(ctx context.Context) error {
	utils.DebugLog("开始处理所有证书")

	targets, err := c.loadTargets(ctx)
	if err != nil {
		if len(targets) == 0 {
			return fmt.Errorf("加载证书配置失败: %w", err)
		}
		utils.WarningLog("部分证书配置无效，已跳过: %v", err)
	}

	utils.DebugLog("准备处理%d个证书", len(targets))
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	if c.opts.Concurrency > 0 {
		g.SetLimit(c.opts.Concurrency)
	}
	for _, target := range targets {
		target := target
		g.Go(func() error {
			// 返回 nil，避免一个目标的失败取消其他目标
			if err := c.ProcessTarget(gctx, target); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	utils.DebugLog("所有证书处理完成")
	return utilerrors.NewAggregate(errs)
}

// ProcessTarget 对单个目标执行一次续签并记录结果，处于限流退避期的目标直接跳过
func (c *CertificateController) ProcessTarget(ctx context.Context, target config.Target) error {
	rt := target.RenewalTarget()
	key := rt.SecretRef().Key()

	now := c.opts.Clock.Now()
	if until, ok := c.backoffUntil(key); ok && now.Before(until) {
		utils.InfoLog("证书 %s 处于限流退避期，%s 之后再尝试", key, until.Format(time.RFC3339))
		return nil
	}

	method, err := target.Method()
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	utils.InfoLog("处理证书: %s, 域名: %s", key, rt.Domain)
	rc := NewRenewalReconciler(c.newSource(target), c.store, c.reloader, c.opts.Reconciler...)
	outcome := rc.Reconcile(ctx, RenewalRequest{
		Target:         rt,
		Method:         method,
		Timeout:        c.opts.RunTimeout,
		RolloutTimeout: c.opts.RolloutTimeout,
	})
	utils.InfoLog("证书 %s 处理结果: %s", key, outcome)

	c.updateBackoff(rt, outcome)

	if c.opts.Status != nil {
		if err := c.opts.Status.Record(ctx, rt, outcome, c.opts.Clock.Now()); err != nil {
			utils.WarningLog("记录证书 %s 的运行结果失败: %v", key, err)
		}
	}

	if err := outcome.Err(); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func (c *CertificateController) backoffUntil(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.notBefore[key]
	return until, ok
}

func (c *CertificateController) updateBackoff(rt models.RenewalTarget, outcome models.RenewalOutcome) {
	key := rt.SecretRef().Key()
	c.mu.Lock()
	defer c.mu.Unlock()

	if outcome.Kind == models.OutcomeFailed && errors.Is(outcome.Cause, models.ErrRateLimited) {
		delay := c.limiter.When(key)
		c.notBefore[key] = c.opts.Clock.Now().Add(delay)
		metrics.RateLimitBackoffs.WithLabelValues(rt.Namespace, rt.SecretName).Inc()
		utils.WarningLog("证书 %s 被限流，第%d次退避 %s", key, c.limiter.NumRequeues(key), delay)
		return
	}
	if outcome.Kind != models.OutcomeFailed {
		c.limiter.Forget(key)
		delete(c.notBefore, key)
	}
}
