package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors collapses the failures collected across a fan-out step,
// such as the per-simulation result writes, into one logged, joined error.
// Nil entries are skipped; an all-nil slice returns nil.
func AggregateErrors(step string, errs []error, fields ...Field) error {
	failures := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		failures = append(failures, err)
		messages = append(messages, err.Error())
	}
	if len(failures) == 0 {
		return nil
	}
	logFields := append(fields,
		Field{Key: "step", Value: step},
		Field{Key: "error_count", Value: len(failures)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("step errors", logFields...)
	return fmt.Errorf("%s failed: %w", step, errors.Join(failures...))
}
