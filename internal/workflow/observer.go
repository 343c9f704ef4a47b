package workflow

import "time"

// Observer receives execution, step, compensation and claim signals.
// *observability.Metrics implements it.
type Observer interface {
	RecordExecutionStart(workflow string)
	RecordExecutionFinish(workflow, status string, duration time.Duration)
	RecordStep(workflow, step, status string, duration time.Duration)
	RecordCompensation(workflow, result string)
	RecordClaim(workflow, result string)
	RecordTimeout(workflow string)
}

type noopObserver struct{}

func (noopObserver) RecordExecutionStart(string)                         {}
func (noopObserver) RecordExecutionFinish(string, string, time.Duration) {}
func (noopObserver) RecordStep(string, string, string, time.Duration)    {}
func (noopObserver) RecordCompensation(string, string)                   {}
func (noopObserver) RecordClaim(string, string)                          {}
func (noopObserver) RecordTimeout(string)                                {}
