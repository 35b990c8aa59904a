package domain

// EnvelopeType is the wire type tag carried in the first byte of every frame.
type EnvelopeType byte

const (
	TypePresence    EnvelopeType = 1
	TypeMessaging   EnvelopeType = 2
	TypeReadReceipt EnvelopeType = 3
	TypeReaction    EnvelopeType = 4
	TypeThread      EnvelopeType = 5
	TypeError       EnvelopeType = 6
)

// Envelope flag bits (byte 1 of the frame).
const (
	FlagHasSender          byte = 1 << 0
	FlagFlagged            byte = 1 << 1
	FlagAuditPending       byte = 1 << 2
	FlagScoringUnavailable byte = 1 << 3
	FlagDegraded           byte = 1 << 4
)

// Envelope is the single unit of wire communication. Immutable once
// constructed; fan-out sends the same encoded frame to every recipient.
type Envelope struct {
	Type     EnvelopeType
	Flags    byte
	RoomID   string
	SenderID string
	Payload  []byte
}

func (t EnvelopeType) Valid() bool {
	return t >= TypePresence && t <= TypeError
}

func (t EnvelopeType) String() string {
	switch t {
	case TypePresence:
		return "presence"
	case TypeMessaging:
		return "messaging"
	case TypeReadReceipt:
		return "read_receipt"
	case TypeReaction:
		return "reaction"
	case TypeThread:
		return "thread"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}
