package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType is the classified type tag of an inbound message.
type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeDocument    MessageType = "document"
	TypeAudio       MessageType = "audio"
	TypeVideo       MessageType = "video"
	TypeVoice       MessageType = "voice"
	TypeSticker     MessageType = "sticker"
	TypeLocation    MessageType = "location"
	TypeContacts    MessageType = "contacts"
	TypeInteractive MessageType = "interactive"
	TypeButton      MessageType = "button"
	TypeUnknown     MessageType = "unknown"
)

var knownTypes = map[string]MessageType{
	"text":        TypeText,
	"image":       TypeImage,
	"document":    TypeDocument,
	"audio":       TypeAudio,
	"video":       TypeVideo,
	"voice":       TypeVoice,
	"sticker":     TypeSticker,
	"location":    TypeLocation,
	"contacts":    TypeContacts,
	"interactive": TypeInteractive,
	"button":      TypeButton,
}

// ParseMessageType maps a raw type string onto the closed set of known types.
// Unrecognized strings yield TypeUnknown.
func ParseMessageType(s string) MessageType {
	if t, ok := knownTypes[s]; ok {
		return t
	}
	return TypeUnknown
}

// IsMedia reports whether the type carries a downloadable media reference.
func (t MessageType) IsMedia() bool {
	switch t {
	case TypeImage, TypeDocument, TypeAudio, TypeVideo, TypeVoice, TypeSticker:
		return true
	}
	return false
}

func (t MessageType) String() string { return string(t) }

// Media is an opaque reference to media stored by the messaging platform.
// The bytes must be fetched through the Messenger before use.
type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type ContactName struct {
	FormattedName string `json:"formatted_name,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
}

type ContactPhone struct {
	Phone string `json:"phone,omitempty"`
	Type  string `json:"type,omitempty"`
	WaID  string `json:"wa_id,omitempty"`
}

// Contact is a shared contact card.
type Contact struct {
	Name   ContactName    `json:"name"`
	Phones []ContactPhone `json:"phones,omitempty"`
}

// Content holds the single populated content slot of a message.
// Exactly one field is set, or none when the message carries no usable content.
type Content struct {
	Text     *string
	Media    *Media
	Location *Location
	Contacts []Contact
	// Raw keeps slots that are routed but never interpreted (interactive, button).
	Raw json.RawMessage
}

// TextContent returns a Content carrying s.
func TextContent(s string) Content { return Content{Text: &s} }

func (c Content) IsZero() bool {
	return c.Text == nil && c.Media == nil && c.Location == nil && c.Contacts == nil && c.Raw == nil
}

// EncodeContent serializes content into its queue-transport form: a JSON
// string, a single record, a list of records, or null.
func EncodeContent(c Content) (json.RawMessage, error) {
	var v any
	switch {
	case c.Text != nil:
		v = *c.Text
	case c.Media != nil:
		v = c.Media
	case c.Location != nil:
		v = c.Location
	case c.Contacts != nil:
		v = c.Contacts
	case c.Raw != nil:
		return c.Raw, nil
	default:
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return data, nil
}
