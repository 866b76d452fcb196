package domain

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
)

// Message is outbound content handed to the messaging collaborator.
type Message struct {
	Kind     MessageKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	ImageURL string      `json:"image_url,omitempty"`
}

func TextMessage(text string) Message {
	return Message{Kind: MessageText, Text: text}
}
