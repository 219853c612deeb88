// Package event defines the outbound events a conversation turn produces.
//
// Event is a closed set: every variant lives in this package and carries its
// own wire discriminator. Consumers switch on the concrete type.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type is the wire discriminator of an event.
type Type string

const (
	TypeAuthSuccess   Type = "auth_success"
	TypeChatStart     Type = "chat_start"
	TypeContent       Type = "content"
	TypeTextComplete  Type = "text_complete"
	TypeVoiceStart    Type = "voice_start"
	TypeVoiceChunk    Type = "voice_chunk"
	TypeVoiceComplete Type = "voice_complete"
	TypeVoiceError    Type = "voice_error"
	TypeImageStart    Type = "image_start"
	TypeImageProgress Type = "image_progress"
	TypeImageComplete Type = "image_complete"
	TypeImageError    Type = "image_error"
	TypeChatComplete  Type = "chat_complete"
	TypeError         Type = "error"
	TypePong          Type = "pong"
)

// Event is implemented only by the types in this package.
type Event interface {
	EventType() Type
	event()
}

type AuthSuccess struct {
	UserID string `json:"user_id"`
}

type ChatStart struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// Content is an incremental text fragment of the assistant reply.
type Content struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// TextComplete carries the full reply once it has been persisted.
type TextComplete struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type VoiceStart struct {
	ChatID    string `json:"chat_id"`
	Sentences int    `json:"sentences"`
}

// VoiceChunk carries base64 encoded audio for one sentence. Seq orders the
// chunks within a sentence.
type VoiceChunk struct {
	ChatID        string `json:"chat_id"`
	SentenceIndex int    `json:"sentence_index"`
	Seq           int    `json:"seq"`
	Format        string `json:"format"`
	Audio         string `json:"audio"`
}

type VoiceComplete struct {
	ChatID             string `json:"chat_id"`
	SentencesProcessed int    `json:"sentences_processed"`
}

type VoiceError struct {
	ChatID        string `json:"chat_id"`
	SentenceIndex *int   `json:"sentence_index,omitempty"`
	Error         string `json:"error"`
}

type ImageStart struct {
	ChatID string `json:"chat_id"`
}

type ImageProgress struct {
	ChatID  string `json:"chat_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type ImageComplete struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	ImageID   string `json:"image_id"`
	URL       string `json:"url"`
	Prompt    string `json:"prompt"`
}

type ImageError struct {
	ChatID string `json:"chat_id"`
	Error  string `json:"error"`
}

// ChatComplete is the terminal event of a successful turn.
type ChatComplete struct {
	ChatID       string `json:"chat_id"`
	MessageID    string `json:"message_id"`
	FullResponse string `json:"full_response"`
	ChatName     string `json:"chat_name,omitempty"`
}

// Error is a client-facing failure. ChatID is empty for connection-level errors.
type Error struct {
	ChatID string `json:"chat_id,omitempty"`
	Error  string `json:"error"`
}

type Pong struct{}

func (AuthSuccess) EventType() Type   { return TypeAuthSuccess }
func (ChatStart) EventType() Type     { return TypeChatStart }
func (Content) EventType() Type       { return TypeContent }
func (TextComplete) EventType() Type  { return TypeTextComplete }
func (VoiceStart) EventType() Type    { return TypeVoiceStart }
func (VoiceChunk) EventType() Type    { return TypeVoiceChunk }
func (VoiceComplete) EventType() Type { return TypeVoiceComplete }
func (VoiceError) EventType() Type    { return TypeVoiceError }
func (ImageStart) EventType() Type    { return TypeImageStart }
func (ImageProgress) EventType() Type { return TypeImageProgress }
func (ImageComplete) EventType() Type { return TypeImageComplete }
func (ImageError) EventType() Type    { return TypeImageError }
func (ChatComplete) EventType() Type  { return TypeChatComplete }
func (Error) EventType() Type         { return TypeError }
func (Pong) EventType() Type          { return TypePong }

func (AuthSuccess) event()   {}
func (ChatStart) event()     {}
func (Content) event()       {}
func (TextComplete) event()  {}
func (VoiceStart) event()    {}
func (VoiceChunk) event()    {}
func (VoiceComplete) event() {}
func (VoiceError) event()    {}
func (ImageStart) event()    {}
func (ImageProgress) event() {}
func (ImageComplete) event() {}
func (ImageError) event()    {}
func (ChatComplete) event()  {}
func (Error) event()         {}
func (Pong) event()          {}

// IsTerminal reports whether e ends a turn. Every turn ends with exactly one
// terminal event.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case ChatComplete, Error:
		return true
	default:
		return false
	}
}

// Encode renders e as a flat JSON object with a "type" field.
func Encode(e Event) ([]byte, error) {
	return EncodeAs(e, e.EventType())
}

// EncodeAs renders e with an overridden discriminator. The one-shot HTTP
// stream uses it to rename chat_start and chat_complete to start and end.
func EncodeAs(e Event, t Type) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode event: nil event")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	head, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(head)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
