package session

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomlock/companion/internal/domain"
)

// Inbound frame types.
const (
	FrameAuth = "auth"
	FrameChat = "chat"
	FramePing = "ping"
)

//go:embed frame.schema.json
var frameSchemaJSON []byte

var frameSchema = mustCompileFrameSchema()

func mustCompileFrameSchema() *jsonschema.Schema {
	const url = "frame.schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(frameSchemaJSON)); err != nil {
		panic(fmt.Sprintf("add frame schema: %v", err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("compile frame schema: %v", err))
	}
	return schema
}

// Frame is a decoded inbound message.
type Frame struct {
	Type        string `json:"type"`
	Token       string `json:"token,omitempty"`
	Message     string `json:"message,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
	EnableVoice bool   `json:"enable_voice,omitempty"`
	EnableImage bool   `json:"enable_image,omitempty"`
	Lesson      string `json:"lesson,omitempty"`
	Expertise   int    `json:"expertise,omitempty"`
}

// ParseFrame decodes and validates one inbound frame. Any failure wraps
// domain.ErrProtocol.
func ParseFrame(data []byte) (Frame, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("%w: invalid json: %v", domain.ErrProtocol, err)
	}
	if err := frameSchema.Validate(raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	return f, nil
}

// Query converts a chat frame. A chat_id that is not a UUID is invalid input.
func (f Frame) Query() (domain.Query, error) {
	if f.ChatID != "" {
		if _, err := uuid.Parse(f.ChatID); err != nil {
			return domain.Query{}, fmt.Errorf("%w: chat_id is not a valid id", domain.ErrInvalidInput)
		}
	}
	return domain.Query{
		Text:        f.Message,
		ChatID:      f.ChatID,
		EnableVoice: f.EnableVoice,
		EnableImage: f.EnableImage,
		Lesson:      f.Lesson,
		Expertise:   f.Expertise,
	}, nil
}
