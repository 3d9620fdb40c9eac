package core

import (
	"github.com/dkeye/Interview/internal/domain"
)

// Roster is the participant set of one interview room.
// It owns membership but never touches transport resources.
type Roster interface {
	Self() domain.Participant
	Count() int
	Snapshot() []domain.Participant
	Get(id domain.UserID) (domain.Participant, bool)

	// Add reports whether the participant was not known before.
	Add(p domain.Participant) bool
	Remove(id domain.UserID) bool
	SetStatus(id domain.UserID, status domain.ConnectionStatus) bool
	SetSelfMedia(m domain.MediaEnabled)
	// Remote returns the remote participant ids in join order.
	Remote() []domain.UserID
}
