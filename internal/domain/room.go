package domain

type (
	RoomID      string
	InterviewID string
)

// HostedRoom is a provisioned room on the hosted media provider.
type HostedRoom struct {
	Name string `json:"roomName"`
	URL  string `json:"roomUrl"`
}

func (r HostedRoom) Valid() bool { return r.Name != "" && r.URL != "" }
