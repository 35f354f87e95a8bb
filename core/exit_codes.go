package core

// Exit codes for the archrender CLI. Signal exits follow the 128+N convention.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1

	// ExitCodeRejected means the backend refused the request on policy grounds.
	ExitCodeRejected = 3
	// ExitCodeInsufficientCredits means the job was never submitted.
	ExitCodeInsufficientCredits = 4

	ExitCodeSIGINT  = 130
	ExitCodeSIGTERM = 143
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeRejected:
		return "rejected by safety policy"
	case ExitCodeInsufficientCredits:
		return "insufficient credits"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}

// IsSignalExit reports whether code is one of the signal exit codes.
func IsSignalExit(code int) bool {
	return code == ExitCodeSIGINT || code == ExitCodeSIGTERM
}
