package audit

import (
	"fmt"
	"time"
)

// RunContext is what every operation knows about the run it belongs to.
type RunContext struct {
	AuditDate time.Time
	Period    Period
	Actor     string
	Now       func() time.Time
}

func (rc RunContext) now() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now().UTC()
}

// OperationResult is the tagged outcome of one operation. Err is the failure
// reason; Errors holds per-record problems that did not fail the operation.
type OperationResult struct {
	Processed int
	Details   map[string]any
	Errors    []string
	Err       error
}

// Failed reports whether the operation as a whole failed.
func (r OperationResult) Failed() bool { return r.Err != nil }

func (r *OperationResult) softError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func failed(t OperationType, err error) OperationResult {
	return OperationResult{Err: &OperationError{Operation: t, Err: err}}
}
