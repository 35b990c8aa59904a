package log

// Common field names so log lines stay queryable across packages.
const (
	FieldService = "service"

	FieldSessionID = "session_id"
	FieldUserID    = "user_id"
	FieldRoomID    = "room_id"
	FieldRemoteIP  = "remote_ip"

	FieldEnvelopeType = "envelope_type"
	FieldOpClass      = "op_class"

	FieldEventType = "event_type"
	FieldSeq       = "seq"

	// Log type distinguishes audit-style records from plain diagnostics.
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
	LogTypeAlert = "alert"
)
