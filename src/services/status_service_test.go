package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"me.sttot/cert-reconciler/src/models"
)

func TestStatusService_RecordAndLoad(t *testing.T) {
	cs := fake.NewSimpleClientset()
	s := NewStatusService(cs, "autocert", "autocert-status")
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	empty, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty.Targets)

	web := models.RenewalTarget{Domain: "example.com", Namespace: "web", SecretName: "web-tls", DeploymentName: "web"}
	api := models.RenewalTarget{Domain: "api.example.com", Namespace: "api", SecretName: "api-tls", DeploymentName: "api"}

	require.NoError(t, s.Record(context.Background(), web, models.Renewed(now.Add(90*24*time.Hour)), now))
	require.NoError(t, s.Record(context.Background(), api,
		models.Failed(models.StageVerifying, errors.New("rollout failed"), true), now))
	require.NoError(t, s.Record(context.Background(), web, models.Skipped(89), now.Add(24*time.Hour)))

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got.Targets, 2)

	webStatus := got.Targets["web/web-tls"]
	assert.Equal(t, "Skipped", webStatus.Outcome)
	require.NotNil(t, webStatus.DaysRemaining)
	assert.Equal(t, 89, *webStatus.DaysRemaining)
	assert.Equal(t, "2026-05-02T00:00:00Z", webStatus.LastRun)

	apiStatus := got.Targets["api/api-tls"]
	assert.Equal(t, "Failed", apiStatus.Outcome)
	assert.Equal(t, "Verifying", apiStatus.Stage)
	assert.True(t, apiStatus.SecretUpdated)
	assert.Equal(t, "rollout failed", apiStatus.Message)
}
