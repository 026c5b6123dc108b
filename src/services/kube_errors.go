package services

import (
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"me.sttot/cert-reconciler/src/models"
)

// classifyAPIError 把 Kubernetes API 错误映射为统一的错误类别
func classifyAPIError(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %s: %v", models.ErrNotFound, msg, err)
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%w: %s: %v", models.ErrConflict, msg, err)
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return fmt.Errorf("%w: %s: %v", models.ErrPermissionDenied, msg, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrUnreachable, msg, err)
}
