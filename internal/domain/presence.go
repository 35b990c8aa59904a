package domain

// PresenceStatus is the per-user liveness state tracked by the hub.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// Presence operations carried in the JSON payload of presence envelopes.
const (
	PresenceOpJoin    = "join"
	PresenceOpLeave   = "leave"
	PresenceOpStatus  = "status"
	PresenceOpMembers = "members"
)

// PresencePayload is the JSON body of presence envelopes, both directions.
type PresencePayload struct {
	Op      string         `json:"op"`
	UserID  string         `json:"user_id,omitempty"`
	Status  PresenceStatus `json:"status,omitempty"`
	Members []string       `json:"members,omitempty"`
}
