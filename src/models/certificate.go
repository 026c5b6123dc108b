package models

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ValidationMethod 证书颁发机构确认域名控制权的方式
type ValidationMethod string

const (
	ValidationDNS  ValidationMethod = "dns"
	ValidationHTTP ValidationMethod = "http"
)

// ParseValidationMethod 解析验证方式，空字符串默认为DNS
func ParseValidationMethod(s string) (ValidationMethod, error) {
	switch ValidationMethod(strings.ToLower(strings.TrimSpace(s))) {
	case "", ValidationDNS:
		return ValidationDNS, nil
	case ValidationHTTP:
		return ValidationHTTP, nil
	}
	return "", fmt.Errorf("%w: unknown validation method %q", ErrInvalidTarget, s)
}

type SecretRef struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Name      string `json:"name" yaml:"name"`
}

// Key 返回 namespace/name 形式的键，用于加锁和记录状态
func (r SecretRef) Key() string {
	return types.NamespacedName{Namespace: r.Namespace, Name: r.Name}.String()
}

// CertificateMaterial 是一对PEM编码的证书链和私钥
type CertificateMaterial struct {
	Chain      []byte
	PrivateKey []byte
}

// Wipe 清零内存中的证书和私钥数据
func (m *CertificateMaterial) Wipe() {
	if m == nil {
		return
	}
	for i := range m.Chain {
		m.Chain[i] = 0
	}
	for i := range m.PrivateKey {
		m.PrivateKey[i] = 0
	}
	m.Chain = nil
	m.PrivateKey = nil
}

// SecretRecord 是外部存储中某个TLS Secret的句柄
type SecretRecord struct {
	SecretRef
	Material        CertificateMaterial
	ResourceVersion string
	UID             types.UID
}

// RenewalTarget 标识一次续签所维护的域名、Secret和Deployment
type RenewalTarget struct {
	Domain            string `json:"domain"`
	Namespace         string `json:"namespace"`
	SecretName        string `json:"secretName"`
	DeploymentName    string `json:"deploymentName"`
	RenewalWindowDays int    `json:"renewalWindowDays"`
}

func (t RenewalTarget) SecretRef() SecretRef {
	return SecretRef{Namespace: t.Namespace, Name: t.SecretName}
}

func (t RenewalTarget) String() string {
	return fmt.Sprintf("%s (%s/%s -> deployment %s)", t.Domain, t.Namespace, t.SecretName, t.DeploymentName)
}

// Validate 在任何阶段执行之前检查目标的各个标识符
func (t RenewalTarget) Validate() error {
	var allErrs field.ErrorList

	domainPath := field.NewPath("domain")
	switch {
	case t.Domain == "":
		allErrs = append(allErrs, field.Required(domainPath, ""))
	case strings.HasPrefix(t.Domain, "*."):
		for _, msg := range validation.IsWildcardDNS1123Subdomain(t.Domain) {
			allErrs = append(allErrs, field.Invalid(domainPath, t.Domain, msg))
		}
	default:
		for _, msg := range validation.IsDNS1123Subdomain(t.Domain) {
			allErrs = append(allErrs, field.Invalid(domainPath, t.Domain, msg))
		}
	}
	if t.Domain != "" && !strings.Contains(strings.TrimPrefix(t.Domain, "*."), ".") {
		allErrs = append(allErrs, field.Invalid(domainPath, t.Domain, "must contain at least two labels"))
	}

	nsPath := field.NewPath("namespace")
	if t.Namespace == "" {
		allErrs = append(allErrs, field.Required(nsPath, ""))
	} else {
		for _, msg := range validation.IsDNS1123Label(t.Namespace) {
			allErrs = append(allErrs, field.Invalid(nsPath, t.Namespace, msg))
		}
	}

	for path, name := range map[string]string{"secretName": t.SecretName, "deploymentName": t.DeploymentName} {
		p := field.NewPath(path)
		if name == "" {
			allErrs = append(allErrs, field.Required(p, ""))
			continue
		}
		for _, msg := range validation.IsDNS1123Subdomain(name) {
			allErrs = append(allErrs, field.Invalid(p, name, msg))
		}
	}

	if t.RenewalWindowDays < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("renewalWindowDays"), t.RenewalWindowDays, "must be >= 0"))
	}

	if len(allErrs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, allErrs.ToAggregate())
	}
	return nil
}

// ReloadHandle 标识一次已触发的滚动重启
type ReloadHandle struct {
	Namespace   string
	Name        string
	Generation  int64
	RestartedAt string
}

// ReadyStatus 表示滚动重启完成时的副本情况
type ReadyStatus struct {
	ReplicasReady    int32
	ReplicasExpected int32
}
