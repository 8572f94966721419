package ingestion

// StatusPolicy partitions non-2xx response codes into retryable and
// permanent failures.
type StatusPolicy struct {
	Retryable         map[int]bool
	RetryServerErrors bool
}

func DefaultStatusPolicy() StatusPolicy {
	return NewStatusPolicy([]int{408, 429}, true)
}

func NewStatusPolicy(retryable []int, retryServerErrors bool) StatusPolicy {
	p := StatusPolicy{
		Retryable:         make(map[int]bool, len(retryable)),
		RetryServerErrors: retryServerErrors,
	}
	for _, code := range retryable {
		p.Retryable[code] = true
	}
	return p
}

func (p StatusPolicy) Classify(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return Delivered
	case p.Retryable[code]:
		return TransientFailure
	case p.RetryServerErrors && code >= 500 && code < 600:
		return TransientFailure
	default:
		return RejectedPermanently
	}
}
