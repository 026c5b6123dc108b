package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"me.sttot/cert-reconciler/src/models"
	"me.sttot/cert-reconciler/src/services"
)

const sampleConfig = `
defaults:
  server: letsencrypt
  email: ops@example.com
  validation: dns
  dns: dns_cf
  envs:
    CF_Token: token
targets:
  - domain: example.com
    namespace: web
    secret: web-tls
    deployment: web
  - domain: "*.apps.example.com"
    namespace: apps
    secret: apps-tls
    deployment: router
    validation: http
    webroot: /var/www
    renewalWindowDays: 14
    envs:
      CF_Zone_ID: zone
`

func TestParse(t *testing.T) {
	targets, err := Parse([]byte(sampleConfig), 30)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	web := targets[0]
	assert.Equal(t, models.RenewalTarget{
		Domain: "example.com", Namespace: "web", SecretName: "web-tls", DeploymentName: "web", RenewalWindowDays: 30,
	}, web.RenewalTarget())
	method, err := web.Method()
	require.NoError(t, err)
	assert.Equal(t, models.ValidationDNS, method)
	assert.Equal(t, services.AcmeOptions{
		AcmeShPath:  "/usr/local/bin/acme.sh",
		ConfigHome:  "/acme",
		Server:      "letsencrypt",
		Email:       "ops@example.com",
		DNSProvider: "dns_cf",
		Envs:        map[string]string{"CF_Token": "token"},
	}, web.AcmeOptions("/usr/local/bin/acme.sh", "/acme"))

	apps := targets[1]
	assert.Equal(t, 14, apps.RenewalTarget().RenewalWindowDays)
	method, err = apps.Method()
	require.NoError(t, err)
	assert.Equal(t, models.ValidationHTTP, method)
	assert.Equal(t, "/var/www", apps.Webroot)
	assert.Equal(t, map[string]string{"CF_Token": "token", "CF_Zone_ID": "zone"}, apps.Envs)
}

func TestParseInvalidTargets(t *testing.T) {
	data := `
targets:
  - domain: example.com
    namespace: Web_NS
    secret: web-tls
    deployment: web
  - domain: localhost
    namespace: web
    secret: web-tls
    deployment: web
  - domain: example.com
    namespace: web
    secret: web-tls
    deployment: web
    validation: carrier-pigeon
  - domain: ok.example.com
    namespace: web
    secret: ok-tls
    deployment: web
  - domain: dup.example.com
    namespace: web
    secret: ok-tls
    deployment: web
`
	targets, err := Parse([]byte(data), 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidTarget)
	require.Len(t, targets, 1)
	assert.Equal(t, "ok.example.com", targets[0].Domain)
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("targets: [:"), 30)
	assert.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	cfg := &Config{ConfigSecretName: "autocert-config", ConfigSecretNamespace: "autocert", ConfigMapKey: "config.yaml", RenewalWindowDays: 21}
	cs := fake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "autocert-config", Namespace: "autocert"},
		Data: map[string][]byte{"config.yaml": []byte(`
targets:
  - domain: example.com
    namespace: web
    secret: web-tls
    deployment: web
    dns: dns_cf
`)},
	})

	targets, err := LoadSecret(context.Background(), cs, cfg)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 21, targets[0].RenewalTarget().RenewalWindowDays)

	cfg.ConfigMapKey = "missing.yaml"
	_, err = LoadSecret(context.Background(), cs, cfg)
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CHECK_INTERVAL", "6h")
	t.Setenv("ROLLOUT_TIMEOUT", "not-a-duration")
	t.Setenv("RENEWAL_WINDOW_DAYS", "45")
	t.Setenv("SECRET_REPLACE_STRATEGY", "recreate")
	t.Setenv("RENEW_UNPARSEABLE", "true")
	t.Setenv("POD_NAME", "cert-reconciler-0")

	cfg := FromEnv()
	assert.Equal(t, 6*time.Hour, cfg.CheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.RolloutTimeout)
	assert.Equal(t, 45, cfg.RenewalWindowDays)
	assert.Equal(t, services.StrategyRecreate, cfg.ReplaceStrategy)
	assert.True(t, cfg.RenewUnparseable)
	assert.Equal(t, "cert-reconciler-0", cfg.Identity)
	assert.Equal(t, "autocert-config", cfg.ConfigSecretName)
}
