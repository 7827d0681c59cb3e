package models

// Presence is the advisory online flag stored at users/<name>.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"`
}

// PeerRecord maps a user in a video room to a signaling address.
type PeerRecord struct {
	PeerID    string `json:"peerId"`
	Timestamp int64  `json:"timestamp"`
}
