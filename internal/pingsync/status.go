package pingsync

import "fmt"

// StatusCode is the outcome code of a protocol operation. Non-negative codes
// are successes, negative codes are failures.
type StatusCode int

const (
	StatusOK                         StatusCode = 0
	StatusAbort                      StatusCode = -1
	StatusRestart                    StatusCode = -2
	StatusTooManyRedirects           StatusCode = -3
	StatusNetworkProblem             StatusCode = -4
	StatusForbidden                  StatusCode = -5
	StatusProvisioningError          StatusCode = -6
	StatusAuthenticationError        StatusCode = -7
	StatusClientCertificateRequired  StatusCode = -8
	StatusProtocolVersionUnsupported StatusCode = -9
	StatusInitializationFailure      StatusCode = -10
	StatusHardDataFailure            StatusCode = -11
	StatusNonFatalError              StatusCode = -12
	StatusOtherFailure               StatusCode = -99
)

var statusNames = map[StatusCode]string{
	StatusOK:                         "ok",
	StatusAbort:                      "abort",
	StatusRestart:                    "restart",
	StatusTooManyRedirects:           "too_many_redirects",
	StatusNetworkProblem:             "network_problem",
	StatusForbidden:                  "forbidden",
	StatusProvisioningError:          "provisioning_error",
	StatusAuthenticationError:        "authentication_error",
	StatusClientCertificateRequired:  "client_certificate_required",
	StatusProtocolVersionUnsupported: "protocol_version_unsupported",
	StatusInitializationFailure:      "initialization_failure",
	StatusHardDataFailure:            "hard_data_failure",
	StatusNonFatalError:              "non_fatal_error",
	StatusOtherFailure:               "other_failure",
}

func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	if c >= 0 {
		return fmt.Sprintf("ok(%d)", int(c))
	}
	return fmt.Sprintf("status(%d)", int(c))
}

// IsError reports whether the code counts as a failed operation.
func (c StatusCode) IsError() bool {
	return c < StatusOK
}

// OperationResult is what a bracketed operation hands back to the scheduler.
type OperationResult struct {
	Code StatusCode
	Err  error
}

// Succeeded returns a successful result.
func Succeeded() OperationResult {
	return OperationResult{Code: StatusOK}
}

// Failed returns a failed result carrying err.
func Failed(code StatusCode, err error) OperationResult {
	return OperationResult{Code: code, Err: err}
}

func (r OperationResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Code, r.Err)
	}
	return r.Code.String()
}

// PingOutcome is the result of one ping attempt.
type PingOutcome int

const (
	// PingContinue means the attempt ended normally and the worker should ping again.
	PingContinue PingOutcome = iota
	// PingStopClean means the worker should exit without error.
	PingStopClean
	// PingStopError means the worker should exit because the attempt failed.
	PingStopError
)

func (o PingOutcome) String() string {
	switch o {
	case PingContinue:
		return "continue"
	case PingStopClean:
		return "stop_clean"
	case PingStopError:
		return "stop_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}
