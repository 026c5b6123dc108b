package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/utils"
)

const statusKey = "status"

// StatusService 把每个目标最近一次运行的结果保存到ConfigMap中
type StatusService struct {
	clientset kubernetes.Interface
	namespace string
	name      string
	mu        sync.Mutex
}

func NewStatusService(clientset kubernetes.Interface, namespace, name string) *StatusService {
	utils.DebugLog("创建状态服务，ConfigMap %s/%s", namespace, name)
	return &StatusService{clientset: clientset, namespace: namespace, name: name}
}

// Load 从ConfigMap加载状态上下文，不存在时返回空的上下文
func (s *StatusService) Load(ctx context.Context) (*models.StatusContext, error) {
	cm, err := s.clientset.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			utils.DebugLog("状态ConfigMap不存在，创建新的上下文")
			return &models.StatusContext{Targets: map[string]models.TargetStatus{}}, nil
		}
		return nil, classifyAPIError(err, "get configmap %s/%s", s.namespace, s.name)
	}
	return decodeStatus(cm)
}

// Record 记录一个目标的运行结果
func (s *StatusService) Record(ctx context.Context, target models.RenewalTarget, outcome models.RenewalOutcome, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := models.TargetStatus{
		Domain:     target.Domain,
		Namespace:  target.Namespace,
		SecretName: target.SecretName,
		Outcome:    string(outcome.Kind),
		LastRun:    now.UTC().Format(time.RFC3339),
	}
	switch outcome.Kind {
	case models.OutcomeSkipped:
		days := outcome.DaysRemaining
		entry.DaysRemaining = &days
	case models.OutcomeRenewed:
		entry.ExpiresAt = outcome.NewExpiry.UTC().Format(time.RFC3339)
	case models.OutcomeFailed:
		entry.Stage = string(outcome.Stage)
		entry.SecretUpdated = outcome.SecretUpdated
		if outcome.Cause != nil {
			entry.Message = outcome.Cause.Error()
		}
	}

	configMaps := s.clientset.CoreV1().ConfigMaps(s.namespace)
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := configMaps.Get(ctx, s.name, metav1.GetOptions{})
		notFound := apierrors.IsNotFound(err)
		if err != nil && !notFound {
			return classifyAPIError(err, "get configmap %s/%s", s.namespace, s.name)
		}

		var statusContext *models.StatusContext
		if notFound {
			cm = &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{
				Name:      s.name,
				Namespace: s.namespace,
				Labels:    map[string]string{ManagedByLabel: FieldManager},
			}}
			statusContext = &models.StatusContext{Targets: map[string]models.TargetStatus{}}
		} else if statusContext, err = decodeStatus(cm); err != nil {
			utils.WarningLog("状态数据损坏，重新开始记录: %v", err)
			statusContext = &models.StatusContext{Targets: map[string]models.TargetStatus{}}
		}

		statusContext.Targets[target.SecretRef().Key()] = entry
		data, err := json.MarshalIndent(statusContext, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal status context: %v", err)
		}
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[statusKey] = string(data)

		if notFound {
			_, err = configMaps.Create(ctx, cm, metav1.CreateOptions{FieldManager: FieldManager})
		} else {
			_, err = configMaps.Update(ctx, cm, metav1.UpdateOptions{FieldManager: FieldManager})
		}
		if apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err) {
			// RetryOnConflict 只识别 Conflict
			return apierrors.NewConflict(corev1.Resource("configmaps"), s.name, err)
		}
		if err != nil {
			return classifyAPIError(err, "save configmap %s/%s", s.namespace, s.name)
		}
		utils.DebugLog("已记录目标 %s 的状态: %s", target.SecretRef().Key(), entry.Outcome)
		return nil
	})
}

func decodeStatus(cm *corev1.ConfigMap) (*models.StatusContext, error) {
	statusContext := &models.StatusContext{Targets: map[string]models.TargetStatus{}}
	raw, ok := cm.Data[statusKey]
	if !ok || raw == "" {
		return statusContext, nil
	}
	if err := json.Unmarshal([]byte(raw), statusContext); err != nil {
		return nil, fmt.Errorf("unmarshal status context: %v", err)
	}
	if statusContext.Targets == nil {
		statusContext.Targets = map[string]models.TargetStatus{}
	}
	return statusContext, nil
}
