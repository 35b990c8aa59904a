package domain

import "time"

// Role is the moderation standing of a user within one room.
type Role string

const (
	RoleMember    Role = "member"
	RoleProbation Role = "probation"
	RoleBanned    Role = "banned"
)

// StrikeRecord is per (room, user) moderation state. Strike counts are
// monotonic non-decreasing; banned is terminal. Only an explicit
// administrative reset (through the repository, not the engine) moves
// a record backward.
type StrikeRecord struct {
	RoomID         string     `gorm:"primaryKey;size:64"`
	UserID         string     `gorm:"primaryKey;size:64"`
	Strikes        int        `gorm:"not null;default:0"`
	Role           Role       `gorm:"size:16;not null;default:member"`
	ProbationUntil *time.Time `gorm:"null"`
	LastWarningAt  *time.Time `gorm:"null"`
	Version        uint64     `gorm:"not null;default:0"`
	UpdatedAt      time.Time
}

// Banned reports whether this record forbids join and messaging operations.
func (r *StrikeRecord) Banned() bool {
	return r.Role == RoleBanned
}

// OnProbation reports whether the probation window is active at t.
func (r *StrikeRecord) OnProbation(t time.Time) bool {
	return r.Role == RoleProbation && r.ProbationUntil != nil && t.Before(*r.ProbationUntil)
}
