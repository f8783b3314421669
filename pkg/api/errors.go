package api

// Wire error codes sent in error frames. The connection stays open after
// a surfaced error unless the code is CodeSlowConsumer or the session was
// never verified.
const (
	CodeUnauthorized    = "unauthorized"
	CodeTurnInFlight    = "turn_in_flight"
	CodeBadRequest      = "bad_request"
	CodeDeadline        = "deadline"
	CodeUpstreamPartial = "upstream_partial"
	CodeSlowConsumer    = "slow_consumer"
	CodeInternal        = "internal"
)
