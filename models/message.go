package models

// Message content types.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentFile  = "file"
)

// Message is one chat entry as stored under a conversation's messages path.
// ID is the store-assigned key and is not part of the stored value.
type Message struct {
	ID        string `json:"-"`
	Text      string `json:"text"`
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver,omitempty"`
	Timestamp int64  `json:"timestamp"`
	FileURL   string `json:"fileUrl,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
	FileType  string `json:"fileType,omitempty"`
}

// IsAttachment reports whether the message carries a file reference.
func (m Message) IsAttachment() bool {
	return m.FileURL != ""
}
