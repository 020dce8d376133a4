package scheduler

// Decision is the error handler's verdict for a failed attempt.
type Decision int

const (
	// SkipAndContinue fails the task, skips its dependents and keeps the chain going.
	SkipAndContinue Decision = iota
	// Retry schedules another attempt after the policy delay.
	Retry
	// AbortChain fails the task and stops the chain.
	AbortChain
)

func (d Decision) String() string {
	switch d {
	case SkipAndContinue:
		return "skip_and_continue"
	case Retry:
		return "retry"
	case AbortChain:
		return "abort_chain"
	default:
		return "unknown"
	}
}

// HandleFailure decides how the chain reacts to a failed attempt.
// attempt is the 1-based number of the attempt that just failed.
// The task does not influence the decision; policies are chain-wide.
func HandleFailure(policy ChainPolicy, _ TaskDescriptor, failure Failure, attempt int) Decision {
	if failure.Kind == FailureCancelled {
		return AbortChain
	}

	switch policy.Mode {
	case PolicyStop:
		return AbortChain
	case PolicyRetry:
		if attempt < policy.MaxAttempts {
			return Retry
		}
		return SkipAndContinue
	default:
		return SkipAndContinue
	}
}
