package domain

type ConnectionStatus string

const (
	StatusJoined       ConnectionStatus = "joined"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// MediaEnabled tracks which local tracks a participant publishes.
type MediaEnabled struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Participant represents one member of an interview room.
// No transport or lifecycle logic here.
type Participant struct {
	User             User             `json:"user"`
	Role             Role             `json:"role"`
	MediaEnabled     MediaEnabled     `json:"mediaEnabled"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
}

func NewParticipant(user User, role Role) Participant {
	return Participant{
		User:             user,
		Role:             role,
		MediaEnabled:     MediaEnabled{Audio: true, Video: true},
		ConnectionStatus: StatusJoined,
	}
}

func (p Participant) ID() UserID { return p.User.ID }
