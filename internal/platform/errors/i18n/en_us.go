package i18n

// Error codes must match the codes defined in internal/platform/errors/codes.go.
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeNotFound          = "NOT_FOUND"
	CodeAlreadyExists     = "ALREADY_EXISTS"
	CodeNoData            = "NO_DATA"
	CodeSessionClosed     = "SESSION_CLOSED"
	CodeNoActiveSession   = "NO_ACTIVE_SESSION"
	CodeMissingSnapshot   = "MISSING_SNAPSHOT"
	CodeUnknownTypeTag    = "UNKNOWN_TYPE_TAG"
	CodeReplayIncomplete  = "REPLAY_INCOMPLETE"
	CodeStructuralDrift   = "STRUCTURAL_DRIFT"
	CodeEntryPointUnknown = "ENTRY_POINT_UNKNOWN"
	CodeReplayUnavailable = "REPLAY_UNAVAILABLE"
)

var enUSCatalog = &Catalog{
	locale: BaseLocale,
	messages: map[Code]string{
		CodeInvalidArgument:   "Invalid {{.Field}}",
		CodeNotFound:          "The requested {{.Resource}} was not found",
		CodeAlreadyExists:     "The {{.Resource}} already exists",
		CodeNoData:            "No monitoring data is available",
		CodeSessionClosed:     "Session {{.SessionID}} has already ended",
		CodeNoActiveSession:   "No monitoring session is active",
		CodeMissingSnapshot:   "Object snapshot {{.Ref}} is missing",
		CodeUnknownTypeTag:    "No serializer is registered for type {{.TypeTag}}",
		CodeReplayIncomplete:  "Replay stopped before completing; the branch was kept as incomplete",
		CodeStructuralDrift:   "Replay diverged from the recorded call structure at {{.Function}}",
		CodeEntryPointUnknown: "Function {{.Function}} is not registered for replay",
		CodeReplayUnavailable: "Replay is not available on this server",
	},
}
