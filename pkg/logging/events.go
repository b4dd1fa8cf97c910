package logging

// Event names emitted by the transfer engine. They are written as the log
// message so sinks can filter on them.
const (
	EventJobStarted         = "job.started"
	EventJobFinished        = "job.finished"
	EventJobAborted         = "job.aborted"
	EventUnitStarted        = "unit.started"
	EventUnitRetried        = "unit.retried"
	EventUnitSucceeded      = "unit.succeeded"
	EventUnitFailed         = "unit.failed"
	EventUnitCancelled      = "unit.cancelled"
	EventPostActionFailed   = "unit.post_action_failed"
	EventSessionOpened      = "session.opened"
	EventSessionInvalidated = "session.invalidated"
	EventSessionAbandoned   = "session.abandoned"
	EventHostDown           = "host.down"
)
