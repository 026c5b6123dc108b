package models

import (
	"fmt"
	"time"
)

// Stage 是续签状态机中的一个状态
type Stage string

const (
	StageIdle       Stage = "Idle"
	StageInspecting Stage = "Inspecting"
	StageSkip       Stage = "Skip"
	StageRenewing   Stage = "Renewing"
	StageDeploying  Stage = "Deploying"
	StageVerifying  Stage = "Verifying"
	StageDone       Stage = "Done"
)

type OutcomeKind string

const (
	OutcomeSkipped OutcomeKind = "Skipped"
	OutcomeRenewed OutcomeKind = "Renewed"
	OutcomeFailed  OutcomeKind = "Failed"
)

// StageError 把错误和发生错误的阶段绑定在一起
type StageError struct {
	Stage Stage
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// RenewalOutcome 是一次运行的最终结果，只会是 Skipped、Renewed 或 Failed 之一
type RenewalOutcome struct {
	Kind OutcomeKind

	// Skipped
	DaysRemaining int

	// Renewed
	NewExpiry time.Time

	// Failed
	Stage Stage
	Cause error
	// SecretUpdated 为 true 表示失败发生在Secret已被替换之后，可能需要人工回滚
	SecretUpdated bool
}

func Skipped(daysRemaining int) RenewalOutcome {
	return RenewalOutcome{Kind: OutcomeSkipped, DaysRemaining: daysRemaining}
}

func Renewed(newExpiry time.Time) RenewalOutcome {
	return RenewalOutcome{Kind: OutcomeRenewed, NewExpiry: newExpiry}
}

func Failed(stage Stage, cause error, secretUpdated bool) RenewalOutcome {
	return RenewalOutcome{Kind: OutcomeFailed, Stage: stage, Cause: cause, SecretUpdated: secretUpdated}
}

// Err 对失败结果返回 *StageError，其余返回 nil
func (o RenewalOutcome) Err() error {
	if o.Kind != OutcomeFailed {
		return nil
	}
	return &StageError{Stage: o.Stage, Cause: o.Cause}
}

func (o RenewalOutcome) String() string {
	switch o.Kind {
	case OutcomeSkipped:
		return fmt.Sprintf("Skipped(daysRemaining=%d)", o.DaysRemaining)
	case OutcomeRenewed:
		return fmt.Sprintf("Renewed(newExpiry=%s)", o.NewExpiry.UTC().Format(time.RFC3339))
	case OutcomeFailed:
		if o.SecretUpdated {
			return fmt.Sprintf("Failed(stage=%s, cause=%v, secret already updated, workload not verified)", o.Stage, o.Cause)
		}
		return fmt.Sprintf("Failed(stage=%s, cause=%v, secret not updated)", o.Stage, o.Cause)
	}
	return "Unknown"
}
