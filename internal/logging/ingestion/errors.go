package ingestion

import "fmt"

// ConfigurationError reports a pipeline that cannot send at all, such as a
// missing credential or endpoint. It is never retried.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// StatusError is a non-2xx response from the ingestion endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ingestion endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("ingestion endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// RetryExhaustedError is returned once a batch failed transiently on every
// allowed attempt.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }
