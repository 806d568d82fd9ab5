package registry

import "fmt"

// ValidationError reports a malformed service registration.
type ValidationError struct {
	Service string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("invalid service config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("service %s: %s: %s", e.Service, e.Field, e.Reason)
}

// ServiceUnreachableError reports a failed registration-time connectivity
// probe. Status is the probe's HTTP status, or 0 on transport failure.
type ServiceUnreachableError struct {
	Service string
	URL     string
	Status  int
	Cause   error
}

func (e *ServiceUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("service %s unreachable at %s: %v", e.Service, e.URL, e.Cause)
	}
	return fmt.Sprintf("service %s unreachable at %s: status %d", e.Service, e.URL, e.Status)
}

func (e *ServiceUnreachableError) Unwrap() error {
	return e.Cause
}
