package models

import "errors"

// 续签流程中所有外部协作方可能返回的错误类别
var (
	ErrParse                = errors.New("certificate parse error")
	ErrValidationFailed     = errors.New("domain validation failed")
	ErrRateLimited          = errors.New("rate limited by certificate authority")
	ErrAuthorityUnreachable = errors.New("certificate authority unreachable")
	ErrConflict             = errors.New("conflict")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrUnreachable          = errors.New("store unreachable")
	ErrNotFound             = errors.New("not found")
	ErrTimeout              = errors.New("timeout")
	ErrRolloutFailed        = errors.New("rollout failed")
	ErrStaleCertificate     = errors.New("stale certificate")
	ErrInvalidTarget        = errors.New("invalid renewal target")
)
