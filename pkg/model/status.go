package model

import (
	"go.uber.org/zap"
)

// Outcome is the result of a single initialization stage.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeFallbackUsed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFallbackUsed:
		return "fallback_used"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stage names reported in Status.
const (
	StageBackbone   = "backbone"
	StagePretrained = "pretrained"
	StageCheckpoint = "checkpoint"
	StageDevice     = "device"
)

// Status reports how one initialization stage went. Reason is nil for
// OutcomeOK.
type Status struct {
	Stage   string
	Outcome Outcome
	Reason  error
}

func ok(stage string) Status {
	return Status{Stage: stage, Outcome: OutcomeOK}
}

func fallback(stage string, reason error) Status {
	return Status{Stage: stage, Outcome: OutcomeFallbackUsed, Reason: reason}
}

func failed(stage string, reason error) Status {
	return Status{Stage: stage, Outcome: OutcomeFailed, Reason: reason}
}

// Log writes the status at a level matching its outcome.
func (s Status) Log(logger *zap.Logger) {
	fields := []zap.Field{zap.String("stage", s.Stage), zap.Stringer("outcome", s.Outcome)}
	switch s.Outcome {
	case OutcomeOK:
		logger.Info("model initialization stage completed", fields...)
	case OutcomeFallbackUsed:
		logger.Warn("model initialization stage used a fallback", append(fields, zap.Error(s.Reason))...)
	default:
		logger.Error("model initialization stage failed", append(fields, zap.Error(s.Reason))...)
	}
}
