package imagegen

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Job errors. Callers match them with errors.Is.
var (
	// ErrPolicyRejected means the backend refused the input on safety or
	// validation grounds. It is never retried.
	ErrPolicyRejected = errors.New("imagegen: request rejected by safety policy")
	// ErrQuotaExhausted means every operation attempt ended in a quota or
	// availability failure.
	ErrQuotaExhausted = errors.New("imagegen: system overloaded, try again later")
	ErrPollTimeout    = errors.New("imagegen: timed out waiting for task")
	ErrTaskFailed     = errors.New("imagegen: task failed")
	ErrNoArtifacts    = errors.New("imagegen: no images were generated")
	ErrInvalidRequest = errors.New("imagegen: invalid request")
)

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// BackendError is an error reported by the generation backend, either as an
// HTTP failure or inside a poll result.
type BackendError struct {
	Code    int
	Status  string
	Message string
}

func (e *BackendError) Error() string {
	var b strings.Builder
	b.WriteString("imagegen: backend error")
	if e.Code != 0 {
		b.WriteString(" ")
		b.WriteString(strconv.Itoa(e.Code))
	}
	if e.Status != "" {
		b.WriteString(" ")
		b.WriteString(e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// ErrorClass is the retry category of a backend error.
type ErrorClass int

const (
	// ClassFatalUnknown is anything unrecognized. Tolerated inside the grace
	// period, fatal after it.
	ClassFatalUnknown ErrorClass = iota
	// ClassTransientServer (503/UNAVAILABLE) re-polls the same task.
	ClassTransientServer
	// ClassEscalateRetry (429/RESOURCE_EXHAUSTED) abandons the task and
	// submits a new one.
	ClassEscalateRetry
	// ClassFatalInput (400/INVALID_ARGUMENT or a safety marker) stops at once.
	ClassFatalInput
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransientServer:
		return "transient-server"
	case ClassEscalateRetry:
		return "escalate-retry"
	case ClassFatalInput:
		return "fatal-input"
	default:
		return "fatal-unknown"
	}
}

var safetyMarkers = []string{
	"safety",
	"unsafe",
	"content policy",
	"content_policy",
	"prohibited",
	"responsible ai",
}

// Class returns the retry category of e.
func (e *BackendError) Class() ErrorClass {
	status := strings.ToUpper(e.Status)
	switch {
	case e.Code == 503 || status == "UNAVAILABLE":
		return ClassTransientServer
	case e.Code == 429 || status == "RESOURCE_EXHAUSTED":
		return ClassEscalateRetry
	case e.Code == 400 || status == "INVALID_ARGUMENT" || hasSafetyMarker(e.Message):
		return ClassFatalInput
	default:
		return ClassFatalUnknown
	}
}

func hasSafetyMarker(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range safetyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Classify returns the class of the first BackendError in err's chain.
// Errors without one (transport failures, decode errors) are ClassFatalUnknown.
func Classify(err error) ErrorClass {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Class()
	}
	return ClassFatalUnknown
}

// IsPolicyRejection reports whether err is a safety or validation rejection.
func IsPolicyRejection(err error) bool {
	return errors.Is(err, ErrPolicyRejected)
}
