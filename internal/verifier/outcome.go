// Package verifier is the client for the NDVI verification service. Every
// call produces exactly one Outcome: Verified, NotVerified or *ServiceError.
package verifier

import "fmt"

// Outcome is the closed set of verification results.
type Outcome interface {
	outcome()
}

// Verified carries the measurements of a successful verification.
type Verified struct {
	NDVIStart     float64
	NDVIEnd       float64
	NDVIChange    float64
	AreaHa        float64
	CarbonCredits float64
	PlotImage     []byte // PNG, optional
}

// NotVerified means the service evaluated the plot and declined it.
type NotVerified struct {
	Reason string
}

// ErrorKind classifies a failed call.
type ErrorKind string

// Service error kinds.
const (
	Timeout           ErrorKind = "timeout"
	Unreachable       ErrorKind = "unreachable"
	MalformedResponse ErrorKind = "malformed_response"
)

// ServiceError is an Outcome and an error. It is never persisted.
type ServiceError struct {
	Kind ErrorKind
	Err  error
}

func (e *ServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("verification service: %s", e.Kind)
	}
	return fmt.Sprintf("verification service: %s: %v", e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func (Verified) outcome()      {}
func (NotVerified) outcome()   {}
func (*ServiceError) outcome() {}

func serviceError(kind ErrorKind, format string, args ...any) *ServiceError {
	return &ServiceError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
