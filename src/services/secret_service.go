package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	corev1ac "k8s.io/client-go/applyconfigurations/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/utils"
)

const (
	FieldManager        = "cert-reconciler"
	ManagedByLabel      = "app.kubernetes.io/managed-by"
	RenewedAtAnnotation = "cert-reconciler.sttot.me/renewed-at"
)

// ReplaceStrategy 决定如何替换已存在的Secret
type ReplaceStrategy string

const (
	// StrategyUpdate 使用带 resourceVersion 的 Update，对读者是原子的
	StrategyUpdate ReplaceStrategy = "update"
	// StrategyApply 使用 server-side apply
	StrategyApply ReplaceStrategy = "apply"
	// StrategyRecreate 先删除再创建，只用于不支持原子更新的场景
	StrategyRecreate ReplaceStrategy = "recreate"
)

func ParseReplaceStrategy(s string) (ReplaceStrategy, error) {
	switch ReplaceStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyUpdate:
		return StrategyUpdate, nil
	case StrategyApply:
		return StrategyApply, nil
	case StrategyRecreate:
		return StrategyRecreate, nil
	}
	return "", fmt.Errorf("unknown secret replace strategy %q", s)
}

// SecretService 在Kubernetes中读取和替换TLS Secret
type SecretService struct {
	clientset kubernetes.Interface
	strategy  ReplaceStrategy
	// createBackoff 控制 recreate 策略中删除之后重试创建的节奏
	createBackoff wait.Backoff
	now           func() time.Time
}

func NewSecretService(clientset kubernetes.Interface, strategy ReplaceStrategy) *SecretService {
	utils.DebugLog("创建Secret服务，替换策略: %s", strategy)
	if strategy == "" {
		strategy = StrategyUpdate
	}
	return &SecretService{
		clientset:     clientset,
		strategy:      strategy,
		createBackoff: retry.DefaultBackoff,
		now:           time.Now,
	}
}

// Get 读取Secret，不存在时返回 models.ErrNotFound
func (ss *SecretService) Get(ctx context.Context, namespace, name string) (*models.SecretRecord, error) {
	utils.DebugLog("获取Secret %s/%s", namespace, name)

	secret, err := ss.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classifyAPIError(err, "get secret %s/%s", namespace, name)
	}
	return recordFromSecret(secret), nil
}

// Put 整体替换证书数据。resourceVersion 是检查阶段读到的版本，为空表示Secret当时不存在；
// Secret在此之后被其他写入方修改、创建或删除时返回 models.ErrConflict。
// 返回的记录不包含证书和私钥
func (ss *SecretService) Put(ctx context.Context, namespace, name string, m *models.CertificateMaterial, resourceVersion string) (*models.SecretRecord, error) {
	if m == nil || len(m.Chain) == 0 || len(m.PrivateKey) == 0 {
		return nil, fmt.Errorf("%w: certificate or key data is empty", models.ErrParse)
	}
	utils.DebugLog("更新Secret %s/%s，策略: %s，期望版本: %q", namespace, name, ss.strategy, resourceVersion)

	switch ss.strategy {
	case StrategyApply:
		return ss.apply(ctx, namespace, name, m, resourceVersion)
	case StrategyRecreate:
		return ss.recreate(ctx, namespace, name, m, resourceVersion)
	}
	return ss.update(ctx, namespace, name, m, resourceVersion)
}

// checkVersion 确认Secret仍处于检查阶段看到的状态，返回的对象中不含旧的密钥数据
func (ss *SecretService) checkVersion(ctx context.Context, namespace, name, resourceVersion string) (*corev1.Secret, error) {
	existing, err := ss.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return nil, classifyAPIError(err, "get secret %s/%s", namespace, name)
		}
		if resourceVersion != "" {
			return nil, fmt.Errorf("%w: secret %s/%s was deleted after inspection", models.ErrConflict, namespace, name)
		}
		return nil, nil
	}
	wipeData(existing.Data)
	existing.Data = nil

	if resourceVersion == "" {
		return nil, fmt.Errorf("%w: secret %s/%s was created after inspection", models.ErrConflict, namespace, name)
	}
	if existing.ResourceVersion != resourceVersion {
		return nil, fmt.Errorf("%w: secret %s/%s changed after inspection (resourceVersion %s, inspected %s)",
			models.ErrConflict, namespace, name, existing.ResourceVersion, resourceVersion)
	}
	return existing, nil
}

func (ss *SecretService) newSecret(namespace, name string, m *models.CertificateMaterial) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   namespace,
			Labels:      map[string]string{ManagedByLabel: FieldManager},
			Annotations: map[string]string{RenewedAtAnnotation: ss.now().UTC().Format(time.RFC3339)},
		},
		Type: corev1.SecretTypeTLS,
		Data: tlsData(m),
	}
}

func (ss *SecretService) update(ctx context.Context, namespace, name string, m *models.CertificateMaterial, resourceVersion string) (*models.SecretRecord, error) {
	secrets := ss.clientset.CoreV1().Secrets(namespace)

	existing, err := ss.checkVersion(ctx, namespace, name, resourceVersion)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		utils.DebugLog("Secret %s/%s 不存在，创建新的", namespace, name)
		secret := ss.newSecret(namespace, name, m)
		defer wipeData(secret.Data)
		created, err := secrets.Create(ctx, secret, metav1.CreateOptions{FieldManager: FieldManager})
		if err != nil {
			return nil, classifyAPIError(err, "create secret %s/%s", namespace, name)
		}
		return recordWithoutMaterial(created), nil
	}

	// 保留元数据，resourceVersion 仍是检查阶段看到的版本，由API Server保证原子替换
	desired := existing.DeepCopy()
	if desired.Labels == nil {
		desired.Labels = map[string]string{}
	}
	desired.Labels[ManagedByLabel] = FieldManager
	if desired.Annotations == nil {
		desired.Annotations = map[string]string{}
	}
	desired.Annotations[RenewedAtAnnotation] = ss.now().UTC().Format(time.RFC3339)
	desired.Data = tlsData(m)
	defer wipeData(desired.Data)
	desired.StringData = nil
	if desired.Type == "" {
		desired.Type = corev1.SecretTypeTLS
	}

	utils.DebugLog("Secret %s/%s 已存在，更新 (resourceVersion=%s)", namespace, name, existing.ResourceVersion)
	updated, err := secrets.Update(ctx, desired, metav1.UpdateOptions{FieldManager: FieldManager})
	if err != nil {
		return nil, classifyAPIError(err, "update secret %s/%s", namespace, name)
	}
	return recordWithoutMaterial(updated), nil
}

func (ss *SecretService) apply(ctx context.Context, namespace, name string, m *models.CertificateMaterial, resourceVersion string) (*models.SecretRecord, error) {
	if _, err := ss.checkVersion(ctx, namespace, name, resourceVersion); err != nil {
		return nil, err
	}

	data := tlsData(m)
	defer wipeData(data)
	ac := corev1ac.Secret(name, namespace).
		WithLabels(map[string]string{ManagedByLabel: FieldManager}).
		WithAnnotations(map[string]string{RenewedAtAnnotation: ss.now().UTC().Format(time.RFC3339)}).
		WithType(corev1.SecretTypeTLS).
		WithData(data)
	if resourceVersion != "" {
		ac = ac.WithResourceVersion(resourceVersion)
	}

	applied, err := ss.clientset.CoreV1().Secrets(namespace).Apply(ctx, ac, metav1.ApplyOptions{FieldManager: FieldManager, Force: true})
	if err != nil {
		return nil, classifyAPIError(err, "apply secret %s/%s", namespace, name)
	}
	return recordWithoutMaterial(applied), nil
}

// recreate 先删除再创建，删除之后的创建失败会重试；最终失败时Secret处于缺失状态，
// 下一次运行会将其视为首次签发
func (ss *SecretService) recreate(ctx context.Context, namespace, name string, m *models.CertificateMaterial, resourceVersion string) (*models.SecretRecord, error) {
	secrets := ss.clientset.CoreV1().Secrets(namespace)

	existing, err := ss.checkVersion(ctx, namespace, name, resourceVersion)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		uid, rv := existing.UID, existing.ResourceVersion
		utils.DebugLog("删除Secret %s/%s 以便重新创建", namespace, name)
		err = secrets.Delete(ctx, name, metav1.DeleteOptions{
			Preconditions: &metav1.Preconditions{UID: &uid, ResourceVersion: &rv},
		})
		if err != nil && !apierrors.IsNotFound(err) {
			return nil, classifyAPIError(err, "delete secret %s/%s", namespace, name)
		}
	}

	var created *corev1.Secret
	err = retry.OnError(ss.createBackoff, isRetriableCreateError, func() error {
		secret := ss.newSecret(namespace, name, m)
		defer wipeData(secret.Data)
		var createErr error
		created, createErr = secrets.Create(ctx, secret, metav1.CreateOptions{FieldManager: FieldManager})
		if createErr != nil {
			utils.WarningLog("重新创建Secret %s/%s 失败: %v", namespace, name, createErr)
		}
		return createErr
	})
	if err != nil {
		return nil, classifyAPIError(err, "recreate secret %s/%s (secret is currently absent)", namespace, name)
	}
	return recordWithoutMaterial(created), nil
}

func isRetriableCreateError(err error) bool {
	return !apierrors.IsForbidden(err) && !apierrors.IsUnauthorized(err) &&
		!apierrors.IsInvalid(err) && !apierrors.IsAlreadyExists(err)
}

func tlsData(m *models.CertificateMaterial) map[string][]byte {
	return map[string][]byte{
		corev1.TLSCertKey:       append([]byte(nil), m.Chain...),
		corev1.TLSPrivateKeyKey: append([]byte(nil), m.PrivateKey...),
	}
}

// recordWithoutMaterial 清除写入响应中的密钥数据，只保留版本信息
func recordWithoutMaterial(secret *corev1.Secret) *models.SecretRecord {
	wipeData(secret.Data)
	secret.Data = nil
	return recordFromSecret(secret)
}

func wipeData(data map[string][]byte) {
	for _, v := range data {
		for i := range v {
			v[i] = 0
		}
	}
}

func recordFromSecret(secret *corev1.Secret) *models.SecretRecord {
	return &models.SecretRecord{
		SecretRef: models.SecretRef{Namespace: secret.Namespace, Name: secret.Name},
		Material: models.CertificateMaterial{
			Chain:      secret.Data[corev1.TLSCertKey],
			PrivateKey: secret.Data[corev1.TLSPrivateKeyKey],
		},
		ResourceVersion: secret.ResourceVersion,
		UID:             secret.UID,
	}
}
