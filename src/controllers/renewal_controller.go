package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"me.sttot/cert-reconciler/src/metrics"
	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/services"
	"me.sttot/cert-reconciler/src/utils"
)

// DefaultRolloutTimeout 是调用方未指定时等待滚动重启的时间
const DefaultRolloutTimeout = 5 * time.Minute

// CertificateSource 从证书颁发机构获取证书，调用方负责设置超时
type CertificateSource interface {
	Issue(ctx context.Context, domain string, method models.ValidationMethod) (*models.CertificateMaterial, error)
}

// SecretStore 读取和整体替换TLS Secret。
// Put 只在Secret仍是 resourceVersion 对应的版本时写入（为空表示必须不存在），否则返回 models.ErrConflict
type SecretStore interface {
	Get(ctx context.Context, namespace, name string) (*models.SecretRecord, error)
	Put(ctx context.Context, namespace, name string, m *models.CertificateMaterial, resourceVersion string) (*models.SecretRecord, error)
}

// WorkloadReloader 触发滚动重启并等待工作负载就绪
type WorkloadReloader interface {
	Reload(ctx context.Context, namespace, name string) (*models.ReloadHandle, error)
	AwaitReady(ctx context.Context, handle *models.ReloadHandle, timeout time.Duration) (*models.ReadyStatus, error)
}

// ExpiryInspector 解析证书有效期
type ExpiryInspector interface {
	Inspect(chain []byte) (time.Time, error)
	DaysRemaining(notAfter, now time.Time) int
	VerifyPair(m *models.CertificateMaterial) error
}

// RenewalRequest 是一次续签运行的输入
type RenewalRequest struct {
	Target models.RenewalTarget
	Method models.ValidationMethod
	// Timeout 限制整次运行的时间，0 表示只受 ctx 约束
	Timeout        time.Duration
	RolloutTimeout time.Duration
}

// 进程内所有 RenewalReconciler 默认共享的按键锁
var sharedLocks = utils.NewKeyedLock()

// RenewalReconciler 检查证书有效期，在续签窗口内时依次签发新证书、替换Secret、重启工作负载
type RenewalReconciler struct {
	source           CertificateSource
	store            SecretStore
	reloader         WorkloadReloader
	inspector        ExpiryInspector
	locker           utils.Locker
	clock            clock.PassiveClock
	renewUnparseable bool
}

type Option func(*RenewalReconciler)

// WithLocker 替换默认的进程内锁，例如使用 services.LeaseLocker 在多个副本之间互斥
func WithLocker(l utils.Locker) Option {
	return func(rc *RenewalReconciler) { rc.locker = l }
}

func WithClock(c clock.PassiveClock) Option {
	return func(rc *RenewalReconciler) { rc.clock = c }
}

func WithInspector(i ExpiryInspector) Option {
	return func(rc *RenewalReconciler) { rc.inspector = i }
}

// WithRenewUnparseable 让无法解析的现有证书被视为需要续签，而不是失败
func WithRenewUnparseable(enabled bool) Option {
	return func(rc *RenewalReconciler) { rc.renewUnparseable = enabled }
}

func NewRenewalReconciler(source CertificateSource, store SecretStore, reloader WorkloadReloader, opts ...Option) *RenewalReconciler {
	utils.DebugLog("创建续签控制器")
	rc := &RenewalReconciler{
		source:    source,
		store:     store,
		reloader:  reloader,
		inspector: services.NewExpiryService(),
		locker:    sharedLocks,
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// renewalRun 保存一次运行的状态，不在不同目标之间共享
type renewalRun struct {
	logger        logr.Logger
	stage         models.Stage
	secretUpdated bool
}

func (r *renewalRun) transition(to models.Stage, keysAndValues ...interface{}) {
	kv := append([]interface{}{"from", r.stage, "to", to}, keysAndValues...)
	r.logger.Info("续签状态切换", kv...)
	r.stage = to
}

func (r *renewalRun) fail(ctx context.Context, err error) models.RenewalOutcome {
	if ctx.Err() != nil && !errors.Is(err, models.ErrTimeout) {
		err = fmt.Errorf("%w: %w", models.ErrTimeout, err)
	}
	r.logger.Error(err, "续签失败", "stage", r.stage, "secretUpdated", r.secretUpdated)
	return models.Failed(r.stage, err, r.secretUpdated)
}

// Reconcile 执行一次续签。同一个 namespace/secret 的运行会被串行化，
// 每次调用最多签发一次证书、重启一次工作负载，不在进程内重试
func (rc *RenewalReconciler) Reconcile(ctx context.Context, req RenewalRequest) (outcome models.RenewalOutcome) {
	start := rc.clock.Now()
	target := req.Target
	key := target.SecretRef().Key()
	run := &renewalRun{
		logger: utils.Logger().WithValues("target", key, "domain", target.Domain),
		stage:  models.StageIdle,
	}
	defer func() {
		metrics.ObserveOutcome(outcome, rc.clock.Since(start).Seconds())
	}()

	if err := target.Validate(); err != nil {
		run.logger.Error(err, "续签目标无效")
		return models.Failed(models.StageIdle, err, false)
	}
	method := req.Method
	if method == "" {
		method = models.ValidationDNS
	}
	rolloutTimeout := req.RolloutTimeout
	if rolloutTimeout <= 0 {
		rolloutTimeout = DefaultRolloutTimeout
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	// Inspecting
	run.transition(models.StageInspecting)
	unlock, err := rc.locker.Lock(ctx, key)
	if err != nil {
		return run.fail(ctx, fmt.Errorf("acquire lock for %s: %w", key, err))
	}
	defer unlock()

	var (
		oldExpiry       *time.Time
		expectedVersion string
	)
	current, err := rc.store.Get(ctx, target.Namespace, target.SecretName)
	switch {
	case errors.Is(err, models.ErrNotFound):
		run.logger.Info("Secret不存在，签发首个证书")
	case err != nil:
		return run.fail(ctx, err)
	default:
		defer current.Material.Wipe()
		expectedVersion = current.ResourceVersion
		notAfter, err := rc.inspector.Inspect(current.Material.Chain)
		if err != nil {
			if !rc.renewUnparseable {
				return run.fail(ctx, fmt.Errorf("inspect secret %s: %w", key, err))
			}
			run.logger.Info("现有证书无法解析，直接续签", "error", err.Error())
			break
		}

		days := rc.inspector.DaysRemaining(notAfter, rc.clock.Now())
		metrics.DaysRemaining.WithLabelValues(target.Namespace, target.SecretName).Set(float64(days))
		if days > target.RenewalWindowDays {
			run.transition(models.StageSkip, "daysRemaining", days, "renewalWindowDays", target.RenewalWindowDays)
			return models.Skipped(days)
		}
		oldExpiry = &notAfter
		run.logger.Info("证书处于续签窗口内", "daysRemaining", days,
			"renewalWindowDays", target.RenewalWindowDays, "notAfter", notAfter)
	}

	// Renewing
	run.transition(models.StageRenewing, "method", method)
	material, err := rc.source.Issue(ctx, target.Domain, method)
	defer material.Wipe()
	if err != nil {
		return run.fail(ctx, err)
	}

	// Deploying
	run.transition(models.StageDeploying)
	if err := rc.inspector.VerifyPair(material); err != nil {
		return run.fail(ctx, err)
	}
	newExpiry, err := rc.inspector.Inspect(material.Chain)
	if err != nil {
		return run.fail(ctx, fmt.Errorf("inspect issued certificate: %w", err))
	}
	floor := rc.clock.Now()
	if oldExpiry != nil {
		floor = *oldExpiry
	}
	if !newExpiry.After(floor) {
		return run.fail(ctx, fmt.Errorf("%w: issued certificate expires at %s, not after %s",
			models.ErrStaleCertificate, newExpiry.UTC().Format(time.RFC3339), floor.UTC().Format(time.RFC3339)))
	}
	if err := ctx.Err(); err != nil {
		return run.fail(ctx, err)
	}
	// 检查之后被其他写入方修改过的Secret不会被覆盖
	record, err := rc.store.Put(ctx, target.Namespace, target.SecretName, material, expectedVersion)
	if record != nil {
		record.Material.Wipe()
	}
	if err != nil {
		return run.fail(ctx, err)
	}
	run.secretUpdated = true
	metrics.DaysRemaining.WithLabelValues(target.Namespace, target.SecretName).
		Set(float64(rc.inspector.DaysRemaining(newExpiry, rc.clock.Now())))

	// Verifying
	run.transition(models.StageVerifying, "notAfter", newExpiry)
	handle, err := rc.reloader.Reload(ctx, target.Namespace, target.DeploymentName)
	if err != nil {
		return run.fail(ctx, err)
	}
	ready, err := rc.reloader.AwaitReady(ctx, handle, rolloutTimeout)
	if err != nil {
		return run.fail(ctx, err)
	}

	run.transition(models.StageDone, "replicasReady", ready.ReplicasReady, "replicasExpected", ready.ReplicasExpected)
	return models.Renewed(newExpiry)
}
