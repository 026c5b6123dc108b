package services

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/utils"
)

// RestartedAtAnnotation 与 kubectl rollout restart 使用的注解相同
const RestartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// 这些等待原因表示新版本的Pod不会自行恢复
var failingWaitingReasons = map[string]bool{
	"CrashLoopBackOff":           true,
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"CreateContainerConfigError": true,
	"InvalidImageName":           true,
}

// RolloutService 触发Deployment滚动重启并等待其就绪
type RolloutService struct {
	clientset    kubernetes.Interface
	pollInterval time.Duration
	now          func() time.Time
}

func NewRolloutService(clientset kubernetes.Interface) *RolloutService {
	utils.DebugLog("创建滚动重启服务")
	return &RolloutService{
		clientset:    clientset,
		pollInterval: 2 * time.Second,
		now:          time.Now,
	}
}

// Reload 修改Pod模板注解以触发滚动重启
func (rs *RolloutService) Reload(ctx context.Context, namespace, name string) (*models.ReloadHandle, error) {
	stamp := rs.now().UTC().Format(time.RFC3339)
	utils.InfoLog("重启Deployment %s/%s", namespace, name)

	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`, RestartedAtAnnotation, stamp)
	d, err := rs.clientset.AppsV1().Deployments(namespace).Patch(ctx, name, types.StrategicMergePatchType,
		[]byte(patch), metav1.PatchOptions{FieldManager: FieldManager})
	if err != nil {
		return nil, classifyAPIError(err, "restart deployment %s/%s", namespace, name)
	}

	utils.DebugLog("Deployment %s/%s 已触发重启，generation=%d", namespace, name, d.Generation)
	return &models.ReloadHandle{
		Namespace:   namespace,
		Name:        name,
		Generation:  d.Generation,
		RestartedAt: stamp,
	}, nil
}

// AwaitReady 轮询Deployment状态直到所有副本都更新并就绪
// 如果Deployment已经无法收敛（超过进度期限或Pod处于崩溃循环），立即返回 ErrRolloutFailed
func (rs *RolloutService) AwaitReady(ctx context.Context, handle *models.ReloadHandle, timeout time.Duration) (*models.ReadyStatus, error) {
	deployments := rs.clientset.AppsV1().Deployments(handle.Namespace)
	status := &models.ReadyStatus{}

	err := wait.PollUntilContextTimeout(ctx, rs.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		d, err := deployments.Get(ctx, handle.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) || apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) {
				return false, classifyAPIError(err, "get deployment %s/%s", handle.Namespace, handle.Name)
			}
			utils.WarningLog("获取Deployment %s/%s 失败: %v，继续等待", handle.Namespace, handle.Name, err)
			return false, nil
		}
		return rs.checkDeployment(ctx, d, handle, status)
	})
	if err != nil {
		if wait.Interrupted(err) {
			return nil, fmt.Errorf("%w: deployment %s/%s not ready after %s (%d/%d replicas ready)",
				models.ErrTimeout, handle.Namespace, handle.Name, timeout, status.ReplicasReady, status.ReplicasExpected)
		}
		return nil, err
	}

	utils.InfoLog("Deployment %s/%s 已就绪 (%d/%d)", handle.Namespace, handle.Name, status.ReplicasReady, status.ReplicasExpected)
	return status, nil
}

func (rs *RolloutService) checkDeployment(ctx context.Context, d *appsv1.Deployment, handle *models.ReloadHandle, status *models.ReadyStatus) (bool, error) {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	status.ReplicasExpected = desired
	status.ReplicasReady = d.Status.ReadyReplicas

	// 控制器观察到重启之前，条件和Pod状态都属于上一次滚动更新
	if d.Status.ObservedGeneration < handle.Generation {
		utils.DebugLog("等待Deployment %s/%s 观察到新的generation", d.Namespace, d.Name)
		return false, nil
	}

	for _, c := range d.Status.Conditions {
		if c.Type == appsv1.DeploymentProgressing && c.Status == corev1.ConditionFalse && c.Reason == "ProgressDeadlineExceeded" {
			return false, fmt.Errorf("%w: deployment %s/%s exceeded its progress deadline: %s",
				models.ErrRolloutFailed, d.Namespace, d.Name, c.Message)
		}
	}

	if err := rs.checkPods(ctx, d, handle); err != nil {
		return false, err
	}

	utils.DebugLog("Deployment %s/%s: updated=%d ready=%d available=%d total=%d desired=%d",
		d.Namespace, d.Name, d.Status.UpdatedReplicas, d.Status.ReadyReplicas,
		d.Status.AvailableReplicas, d.Status.Replicas, desired)

	return d.Status.UpdatedReplicas == desired &&
		d.Status.Replicas == d.Status.UpdatedReplicas &&
		d.Status.AvailableReplicas >= desired &&
		d.Status.ReadyReplicas >= desired, nil
}

// checkPods 检查新模板创建的Pod是否处于无法恢复的等待状态
func (rs *RolloutService) checkPods(ctx context.Context, d *appsv1.Deployment, handle *models.ReloadHandle) error {
	if d.Spec.Selector == nil {
		return nil
	}
	selector, err := metav1.LabelSelectorAsSelector(d.Spec.Selector)
	if err != nil {
		return nil
	}

	pods, err := rs.clientset.CoreV1().Pods(d.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		utils.DebugLog("列出Deployment %s/%s 的Pod失败: %v", d.Namespace, d.Name, err)
		return nil
	}

	for _, pod := range pods.Items {
		if pod.Annotations[RestartedAtAnnotation] != handle.RestartedAt {
			continue
		}
		statuses := append(append([]corev1.ContainerStatus{}, pod.Status.InitContainerStatuses...), pod.Status.ContainerStatuses...)
		for _, cs := range statuses {
			if cs.State.Waiting != nil && failingWaitingReasons[cs.State.Waiting.Reason] {
				return fmt.Errorf("%w: pod %s container %s is in %s: %s",
					models.ErrRolloutFailed, pod.Name, cs.Name, cs.State.Waiting.Reason, cs.State.Waiting.Message)
			}
		}
	}
	return nil
}
