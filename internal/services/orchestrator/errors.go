package orchestrator

import (
	"context"
	"errors"

	"github.com/bobmcallan/sweep/internal/models"
)

// DefaultClassifier maps handler failures to the retry taxonomy. Workers
// attach intent with models.ClassifiedError; bare context errors become
// timeout or cancelled; everything else is unknown and surfaces immediately.
type DefaultClassifier struct{}

// Classify normalizes err into a JobError. Never returns nil and never
// panics on nil input, so downstream consumers can rely on the shape.
func (DefaultClassifier) Classify(err error) *models.JobError {
	if err == nil {
		return &models.JobError{
			Message:        "Unknown error",
			Classification: models.ClassUnknown,
		}
	}

	var ce *models.ClassifiedError
	if errors.As(err, &ce) {
		jerr := &models.JobError{
			Message:        ce.Error(),
			Code:           ce.Code,
			Classification: ce.Classification,
		}
		if ce.RetryAfter > 0 {
			jerr.RetryAfterMS = ce.RetryAfter.Milliseconds()
		}
		return jerr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &models.JobError{
			Message:        err.Error(),
			Code:           "deadline_exceeded",
			Classification: models.ClassTimeout,
		}
	case errors.Is(err, context.Canceled):
		return &models.JobError{
			Message:        err.Error(),
			Code:           "cancelled",
			Classification: models.ClassCancelled,
		}
	}

	return &models.JobError{
		Message:        err.Error(),
		Classification: models.ClassUnknown,
	}
}
