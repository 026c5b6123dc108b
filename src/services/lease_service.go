package services

import (
	"context"
	"fmt"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/utils/clock"

	"me.sttot/cert-reconciler/src/utils"
)

const leaseNamePrefix = "cert-reconciler-"

// LeaseName 返回保护某个Secret的Lease名称
func LeaseName(secretName string) string {
	name := leaseNamePrefix + secretName
	if len(name) > 253 {
		name = name[:253]
	}
	return name
}

// LeaseLocker 使用 coordination.k8s.io Lease 实现跨进程的建议锁，
// 键为 namespace/secretName，Lease 创建在目标命名空间中
type LeaseLocker struct {
	clientset     kubernetes.Interface
	identity      string
	duration      time.Duration
	retryInterval time.Duration
	inner         utils.Locker
	clock         clock.WithTicker
}

// NewLeaseLocker 创建Lease锁，inner 不为空时先获取进程内的锁
func NewLeaseLocker(clientset kubernetes.Interface, identity string, duration time.Duration, inner utils.Locker) *LeaseLocker {
	if duration <= 0 {
		duration = 10 * time.Minute
	}
	return &LeaseLocker{
		clientset:     clientset,
		identity:      identity,
		duration:      duration,
		retryInterval: 2 * time.Second,
		inner:         inner,
		clock:         clock.RealClock{},
	}
}

// Lock 获取Lease，直到成功或 ctx 结束；持有期间在后台定期续约
func (l *LeaseLocker) Lock(ctx context.Context, key string) (func(), error) {
	namespace, name, err := cache.SplitMetaNamespaceKey(key)
	if err != nil {
		return nil, fmt.Errorf("invalid lock key %q: %v", key, err)
	}
	leaseName := LeaseName(name)

	innerUnlock := func() {}
	if l.inner != nil {
		innerUnlock, err = l.inner.Lock(ctx, key)
		if err != nil {
			return nil, err
		}
	}

	err = wait.PollUntilContextCancel(ctx, l.retryInterval, true, func(ctx context.Context) (bool, error) {
		return l.tryAcquire(ctx, namespace, leaseName)
	})
	if err != nil {
		innerUnlock()
		return nil, err
	}
	utils.DebugLog("已获取Lease %s/%s (holder=%s)", namespace, leaseName, l.identity)

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		ticker := l.clock.NewTicker(l.duration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if _, err := l.tryAcquire(context.Background(), namespace, leaseName); err != nil {
					utils.WarningLog("续约Lease %s/%s 失败: %v", namespace, leaseName, err)
				}
			case <-stopCh:
				return
			}
		}
	}()

	unlocked := false
	return func() {
		if unlocked {
			return
		}
		unlocked = true
		close(stopCh)
		<-doneCh
		l.release(namespace, leaseName)
		innerUnlock()
	}, nil
}

// tryAcquire 在Lease不存在、已过期或已由自己持有时获取它
func (l *LeaseLocker) tryAcquire(ctx context.Context, namespace, leaseName string) (bool, error) {
	leases := l.clientset.CoordinationV1().Leases(namespace)
	now := metav1.NewMicroTime(l.clock.Now())
	seconds := int32(l.duration / time.Second)

	lease, err := leases.Get(ctx, leaseName, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return false, stopOnPermissionError(err, namespace, leaseName)
		}
		_, err = leases.Create(ctx, &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{
				Name:      leaseName,
				Namespace: namespace,
				Labels:    map[string]string{ManagedByLabel: FieldManager},
			},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &l.identity,
				LeaseDurationSeconds: &seconds,
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}, metav1.CreateOptions{})
		if err != nil {
			if apierrors.IsAlreadyExists(err) {
				return false, nil
			}
			return false, stopOnPermissionError(err, namespace, leaseName)
		}
		return true, nil
	}

	holder := ""
	if lease.Spec.HolderIdentity != nil {
		holder = *lease.Spec.HolderIdentity
	}
	if holder != "" && holder != l.identity && !l.expired(lease) {
		utils.DebugLog("Lease %s/%s 由 %s 持有，等待释放", namespace, leaseName, holder)
		return false, nil
	}

	if holder != l.identity {
		lease.Spec.AcquireTime = &now
	}
	lease.Spec.HolderIdentity = &l.identity
	lease.Spec.LeaseDurationSeconds = &seconds
	lease.Spec.RenewTime = &now
	if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsConflict(err) {
			return false, nil
		}
		return false, stopOnPermissionError(err, namespace, leaseName)
	}
	return true, nil
}

func (l *LeaseLocker) expired(lease *coordinationv1.Lease) bool {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return true
	}
	expiry := lease.Spec.RenewTime.Add(time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second)
	return !l.clock.Now().Before(expiry)
}

func (l *LeaseLocker) release(namespace, leaseName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	leases := l.clientset.CoordinationV1().Leases(namespace)
	lease, err := leases.Get(ctx, leaseName, metav1.GetOptions{})
	if err != nil {
		utils.WarningLog("释放Lease %s/%s 时获取失败: %v", namespace, leaseName, err)
		return
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != l.identity {
		return
	}
	lease.Spec.HolderIdentity = nil
	lease.Spec.AcquireTime = nil
	lease.Spec.RenewTime = nil
	if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		utils.WarningLog("释放Lease %s/%s 失败: %v", namespace, leaseName, err)
	}
}

// 权限类错误不会自行恢复，停止轮询；其他错误继续重试
func stopOnPermissionError(err error, namespace, leaseName string) error {
	if apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) {
		return classifyAPIError(err, "acquire lease %s/%s", namespace, leaseName)
	}
	utils.WarningLog("获取Lease %s/%s 失败: %v，稍后重试", namespace, leaseName, err)
	return nil
}
