package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
	"k8s.io/utils/ptr"

	"me.sttot/cert-reconciler/src/models"
)

var rolloutNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func testDeployment(ready int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "web", Generation: 3},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](2),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "web"}},
			},
		},
		Status: appsv1.DeploymentStatus{
			ObservedGeneration: 3,
			Replicas:           2,
			UpdatedReplicas:    2,
			ReadyReplicas:      ready,
			AvailableReplicas:  ready,
		},
	}
}

func newTestRolloutService(objs ...runtime.Object) (*RolloutService, *fake.Clientset) {
	cs := fake.NewSimpleClientset(objs...)
	rs := NewRolloutService(cs)
	rs.pollInterval = 5 * time.Millisecond
	rs.now = func() time.Time { return rolloutNow }
	return rs, cs
}

func TestRolloutService_Reload(t *testing.T) {
	rs, cs := newTestRolloutService(testDeployment(2))

	handle, err := rs.Reload(context.Background(), "web", "web")
	require.NoError(t, err)
	assert.Equal(t, rolloutNow.Format(time.RFC3339), handle.RestartedAt)
	assert.Equal(t, int64(3), handle.Generation)

	d, err := cs.AppsV1().Deployments("web").Get(context.Background(), "web", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, handle.RestartedAt, d.Spec.Template.Annotations[RestartedAtAnnotation])
}

func TestRolloutService_ReloadNotFound(t *testing.T) {
	rs, _ := newTestRolloutService()
	_, err := rs.Reload(context.Background(), "web", "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRolloutService_AwaitReady(t *testing.T) {
	rs, cs := newTestRolloutService(testDeployment(2))

	// 前两次轮询时仍在滚动更新
	gets := 0
	cs.PrependReactor("get", "deployments", func(clienttesting.Action) (bool, runtime.Object, error) {
		gets++
		if gets <= 2 {
			d := testDeployment(1)
			d.Status.UpdatedReplicas = 1
			d.Status.Replicas = 3
			return true, d, nil
		}
		return false, nil, nil
	})

	handle := &models.ReloadHandle{Namespace: "web", Name: "web", Generation: 3, RestartedAt: rolloutNow.Format(time.RFC3339)}
	status, err := rs.AwaitReady(context.Background(), handle, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.ReadyStatus{ReplicasReady: 2, ReplicasExpected: 2}, *status)
	assert.Greater(t, gets, 2)
}

func TestRolloutService_AwaitReadyFailures(t *testing.T) {
	stamp := rolloutNow.Format(time.RFC3339)

	crashingPod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "web-abc",
			Namespace:   "web",
			Labels:      map[string]string{"app": "web"},
			Annotations: map[string]string{RestartedAtAnnotation: stamp},
		},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:  "web",
				State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff", Message: "back-off 10s"}},
			}},
		},
	}
	oldCrashingPod := crashingPod.DeepCopy()
	oldCrashingPod.Name = "web-old"
	oldCrashingPod.Annotations = nil

	deadline := testDeployment(0)
	deadline.Status.Conditions = []appsv1.DeploymentCondition{{
		Type:    appsv1.DeploymentProgressing,
		Status:  corev1.ConditionFalse,
		Reason:  "ProgressDeadlineExceeded",
		Message: `ReplicaSet "web-abc" has timed out progressing.`,
	}}

	tests := map[string]struct {
		objs        []runtime.Object
		timeout     time.Duration
		wantErr     error
		maxDuration time.Duration
	}{
		"crash loop fails fast": {
			objs:        []runtime.Object{testDeployment(0), crashingPod},
			timeout:     time.Minute,
			wantErr:     models.ErrRolloutFailed,
			maxDuration: 5 * time.Second,
		},
		"progress deadline exceeded fails fast": {
			objs:        []runtime.Object{deadline},
			timeout:     time.Minute,
			wantErr:     models.ErrRolloutFailed,
			maxDuration: 5 * time.Second,
		},
		"crashing pods of the old template are ignored": {
			objs:        []runtime.Object{testDeployment(0), oldCrashingPod},
			timeout:     50 * time.Millisecond,
			wantErr:     models.ErrTimeout,
			maxDuration: 5 * time.Second,
		},
		"deployment removed": {
			objs:        nil,
			timeout:     time.Minute,
			wantErr:     models.ErrNotFound,
			maxDuration: 5 * time.Second,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			rs, _ := newTestRolloutService(tt.objs...)
			handle := &models.ReloadHandle{Namespace: "web", Name: "web", Generation: 3, RestartedAt: stamp}

			start := time.Now()
			_, err := rs.AwaitReady(context.Background(), handle, tt.timeout)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Less(t, time.Since(start), tt.maxDuration)
		})
	}
}

func TestRolloutService_AwaitReadyWaitsForObservedGeneration(t *testing.T) {
	d := testDeployment(2)
	d.Status.ObservedGeneration = 2
	rs, _ := newTestRolloutService(d)

	handle := &models.ReloadHandle{Namespace: "web", Name: "web", Generation: 3, RestartedAt: rolloutNow.Format(time.RFC3339)}
	_, err := rs.AwaitReady(context.Background(), handle, 30*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrTimeout)
}

func TestRolloutService_AwaitReadyIgnoresPreviousRolloutState(t *testing.T) {
	stamp := rolloutNow.Format(time.RFC3339)

	// 上一次滚动更新已经卡住，控制器尚未观察到本次重启
	stuck := testDeployment(0)
	stuck.Generation = 4
	stuck.Status.ObservedGeneration = 3
	stuck.Status.Conditions = []appsv1.DeploymentCondition{{
		Type:    appsv1.DeploymentProgressing,
		Status:  corev1.ConditionFalse,
		Reason:  "ProgressDeadlineExceeded",
		Message: `ReplicaSet "web-old" has timed out progressing.`,
	}}
	crashingPod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "web-abc",
			Namespace:   "web",
			Labels:      map[string]string{"app": "web"},
			Annotations: map[string]string{RestartedAtAnnotation: stamp},
		},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:  "web",
				State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"}},
			}},
		},
	}
	rs, cs := newTestRolloutService(stuck, crashingPod)

	handle := &models.ReloadHandle{Namespace: "web", Name: "web", Generation: 4, RestartedAt: stamp}
	_, err := rs.AwaitReady(context.Background(), handle, 100*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrTimeout)
	assert.NotErrorIs(t, err, models.ErrRolloutFailed)

	for _, action := range cs.Actions() {
		assert.NotEqual(t, "pods", action.GetResource().Resource, "pods listed before the restart was observed")
	}
}
