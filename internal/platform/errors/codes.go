// Package errors provides structured error handling with i18n support.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Storage errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeNoData        Code = "NO_DATA"

	// Session errors
	CodeSessionClosed   Code = "SESSION_CLOSED"
	CodeNoActiveSession Code = "NO_ACTIVE_SESSION"

	// Object store errors
	CodeMissingSnapshot Code = "MISSING_SNAPSHOT"
	CodeUnknownTypeTag  Code = "UNKNOWN_TYPE_TAG"

	// Replay errors
	CodeReplayIncomplete  Code = "REPLAY_INCOMPLETE"
	CodeStructuralDrift   Code = "STRUCTURAL_DRIFT"
	CodeEntryPointUnknown Code = "ENTRY_POINT_UNKNOWN"
	CodeReplayUnavailable Code = "REPLAY_UNAVAILABLE"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument:
		return codes.InvalidArgument

	case CodeSessionClosed,
		CodeNoActiveSession,
		CodeStructuralDrift,
		CodeEntryPointUnknown:
		return codes.FailedPrecondition

	case CodeNotFound,
		CodeNoData,
		CodeMissingSnapshot:
		return codes.NotFound

	case CodeAlreadyExists:
		return codes.AlreadyExists

	case CodeReplayIncomplete:
		return codes.Aborted

	case CodeReplayUnavailable:
		return codes.Unimplemented

	default:
		return codes.Internal
	}
}
