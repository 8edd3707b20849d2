package domain

import "time"

// MessageType classifies inbound message payloads.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
	MessageUnknown  MessageType = "unknown"
)

// InboundWorkItem is the queue payload produced for every accepted
// inbound message. Content is never empty.
type InboundWorkItem struct {
	OrganizationID string      `json:"organization_id"`
	InstanceID     string      `json:"instance_id"`
	From           string      `json:"from"`
	PhoneNumber    string      `json:"phone_number"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type"`
	MessageID      string      `json:"message_id"`
	Timestamp      time.Time   `json:"timestamp"`
}
