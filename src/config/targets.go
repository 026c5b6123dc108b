package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/kubernetes"

	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/services"
	"me.sttot/cert-reconciler/src/utils"
)

// Target 是配置文件中的一个续签目标
type Target struct {
	Domain            string            `yaml:"domain"`
	Namespace         string            `yaml:"namespace"`
	Secret            string            `yaml:"secret"`
	Deployment        string            `yaml:"deployment"`
	Validation        string            `yaml:"validation,omitempty"`
	DNSProvider       string            `yaml:"dns,omitempty"`
	Webroot           string            `yaml:"webroot,omitempty"`
	Server            string            `yaml:"server,omitempty"`
	Email             string            `yaml:"email,omitempty"`
	Envs              map[string]string `yaml:"envs,omitempty"`
	RenewalWindowDays *int              `yaml:"renewalWindowDays,omitempty"`
}

// File 是配置文件的整体结构，defaults 中的字段会合并到每个目标中
type File struct {
	Defaults Target   `yaml:"defaults"`
	Targets  []Target `yaml:"targets"`
}

func (t Target) RenewalTarget() models.RenewalTarget {
	window := 0
	if t.RenewalWindowDays != nil {
		window = *t.RenewalWindowDays
	}
	return models.RenewalTarget{
		Domain:            t.Domain,
		Namespace:         t.Namespace,
		SecretName:        t.Secret,
		DeploymentName:    t.Deployment,
		RenewalWindowDays: window,
	}
}

func (t Target) Method() (models.ValidationMethod, error) {
	return models.ParseValidationMethod(t.Validation)
}

// AcmeOptions 生成调用 acme.sh 所需的参数
func (t Target) AcmeOptions(acmeShPath, configHome string) services.AcmeOptions {
	return services.AcmeOptions{
		AcmeShPath:  acmeShPath,
		ConfigHome:  configHome,
		Server:      t.Server,
		Email:       t.Email,
		DNSProvider: t.DNSProvider,
		Webroot:     t.Webroot,
		Envs:        t.Envs,
	}
}

func (t Target) withDefaults(d Target, defaultWindow int) Target {
	if t.Validation == "" {
		t.Validation = d.Validation
	}
	if t.DNSProvider == "" {
		t.DNSProvider = d.DNSProvider
	}
	if t.Webroot == "" {
		t.Webroot = d.Webroot
	}
	if t.Server == "" {
		t.Server = d.Server
	}
	if t.Email == "" {
		t.Email = d.Email
	}
	if t.Deployment == "" {
		t.Deployment = d.Deployment
	}
	if t.Namespace == "" {
		t.Namespace = d.Namespace
	}
	if len(d.Envs) > 0 {
		envs := make(map[string]string, len(d.Envs)+len(t.Envs))
		for k, v := range d.Envs {
			envs[k] = v
		}
		for k, v := range t.Envs {
			envs[k] = v
		}
		t.Envs = envs
	}
	if t.RenewalWindowDays == nil {
		if d.RenewalWindowDays != nil {
			t.RenewalWindowDays = d.RenewalWindowDays
		} else {
			window := defaultWindow
			t.RenewalWindowDays = &window
		}
	}
	return t
}

// Parse 解析YAML配置并校验所有目标
func Parse(data []byte, defaultWindow int) ([]Target, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析YAML配置失败: %v", err)
	}

	var (
		result []Target
		errs   []error
		seen   = map[string]bool{}
	)
	for i, raw := range file.Targets {
		t := raw.withDefaults(file.Defaults, defaultWindow)
		if err := t.RenewalTarget().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("targets[%d]: %w", i, err))
			continue
		}
		if _, err := t.Method(); err != nil {
			errs = append(errs, fmt.Errorf("targets[%d]: %w", i, err))
			continue
		}
		key := t.RenewalTarget().SecretRef().Key()
		if seen[key] {
			errs = append(errs, fmt.Errorf("targets[%d]: %w: secret %s is already managed by another target", i, models.ErrInvalidTarget, key))
			continue
		}
		seen[key] = true
		result = append(result, t)
	}

	if len(errs) > 0 {
		return result, utilerrors.NewAggregate(errs)
	}
	return result, nil
}

// LoadFile 从本地文件加载目标配置
func LoadFile(path string, defaultWindow int) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}
	return Parse(data, defaultWindow)
}

// LoadSecret 从配置Secret加载目标配置
func LoadSecret(ctx context.Context, clientset kubernetes.Interface, cfg *Config) ([]Target, error) {
	utils.DebugLog("从Secret %s/%s加载证书配置", cfg.ConfigSecretNamespace, cfg.ConfigSecretName)

	secret, err := clientset.CoreV1().Secrets(cfg.ConfigSecretNamespace).Get(ctx, cfg.ConfigSecretName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取配置Secret失败: %v", err)
	}

	data, ok := secret.Data[cfg.ConfigMapKey]
	if !ok {
		return nil, fmt.Errorf("配置Secret中没有找到%s", cfg.ConfigMapKey)
	}

	targets, err := Parse(data, cfg.RenewalWindowDays)
	if err != nil {
		return targets, err
	}
	utils.DebugLog("成功加载了%d个证书配置", len(targets))
	return targets, nil
}
