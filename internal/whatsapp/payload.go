// Package whatsapp implements the WhatsApp Cloud API surface: webhook
// signature checks, webhook payload normalization and the Graph API client.
package whatsapp

import (
	"encoding/json"
	"fmt"

	"wabridge/internal/domain"
)

const (
	objectBusinessAccount = "whatsapp_business_account"
	fieldMessages         = "messages"
	productWhatsApp       = "whatsapp"
)

// Envelope is the top-level webhook payload.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Profile `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Profile struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

// Status is a delivery/read receipt for a previously sent message.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Message is a single inbound message. Only the slot named by Type is meaningful.
type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Text        *Text            `json:"text,omitempty"`
	Image       *domain.Media    `json:"image,omitempty"`
	Document    *domain.Media    `json:"document,omitempty"`
	Audio       *domain.Media    `json:"audio,omitempty"`
	Video       *domain.Media    `json:"video,omitempty"`
	Voice       *domain.Media    `json:"voice,omitempty"`
	Sticker     *domain.Media    `json:"sticker,omitempty"`
	Location    *domain.Location `json:"location,omitempty"`
	Contacts    []domain.Contact `json:"contacts,omitempty"`
	Interactive json.RawMessage  `json:"interactive,omitempty"`
	Button      json.RawMessage  `json:"button,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

// Parse decodes and validates a webhook body. Schema violations wrap
// domain.ErrMalformedPayload.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if err := env.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	return &env, nil
}

func (e *Envelope) validate() error {
	if e.Object != objectBusinessAccount {
		return fmt.Errorf("object must be %q, got %q", objectBusinessAccount, e.Object)
	}
	if e.Entry == nil {
		return fmt.Errorf("entry is required")
	}
	for i, entry := range e.Entry {
		if entry.ID == "" {
			return fmt.Errorf("entry[%d].id is required", i)
		}
		if entry.Changes == nil {
			return fmt.Errorf("entry[%d].changes is required", i)
		}
		for j, ch := range entry.Changes {
			if ch.Field != fieldMessages {
				return fmt.Errorf("entry[%d].changes[%d].field must be %q, got %q", i, j, fieldMessages, ch.Field)
			}
			v := ch.Value
			if v.MessagingProduct != productWhatsApp {
				return fmt.Errorf("entry[%d].changes[%d].value.messaging_product must be %q", i, j, productWhatsApp)
			}
			if v.Metadata.PhoneNumberID == "" || v.Metadata.DisplayPhoneNumber == "" {
				return fmt.Errorf("entry[%d].changes[%d].value.metadata is incomplete", i, j)
			}
			for k, m := range v.Messages {
				if m.ID == "" || m.From == "" || m.Timestamp == "" || m.Type == "" {
					return fmt.Errorf("entry[%d].changes[%d].messages[%d] requires id, from, timestamp and type", i, j, k)
				}
			}
		}
	}
	return nil
}

// Messages flattens every message across entries and changes in document order.
func (e *Envelope) Messages() []Message {
	var out []Message
	for _, entry := range e.Entry {
		for _, ch := range entry.Changes {
			out = append(out, ch.Value.Messages...)
		}
	}
	return out
}

// Statuses flattens every delivery status in document order.
func (e *Envelope) Statuses() []Status {
	var out []Status
	for _, entry := range e.Entry {
		for _, ch := range entry.Changes {
			out = append(out, ch.Value.Statuses...)
		}
	}
	return out
}

// ProfileName returns the sender's display name, if the payload carried one.
func (e *Envelope) ProfileName(waID string) string {
	for _, entry := range e.Entry {
		for _, ch := range entry.Changes {
			for _, c := range ch.Value.Contacts {
				if c.WaID == waID {
					return c.Profile.Name
				}
			}
		}
	}
	return ""
}

// Classify maps the raw type onto the closed set of message types.
func (m Message) Classify() domain.MessageType {
	return domain.ParseMessageType(m.Type)
}

// Content returns the slot matching the classified type. Slots that do not
// match the declared type are ignored even when present.
func (m Message) Content() domain.Content {
	switch m.Classify() {
	case domain.TypeText:
		if m.Text != nil {
			return domain.TextContent(m.Text.Body)
		}
	case domain.TypeImage:
		return mediaContent(m.Image)
	case domain.TypeDocument:
		return mediaContent(m.Document)
	case domain.TypeAudio:
		return mediaContent(m.Audio)
	case domain.TypeVideo:
		return mediaContent(m.Video)
	case domain.TypeVoice:
		return mediaContent(m.Voice)
	case domain.TypeSticker:
		return mediaContent(m.Sticker)
	case domain.TypeLocation:
		if m.Location != nil {
			return domain.Content{Location: m.Location}
		}
	case domain.TypeContacts:
		if len(m.Contacts) > 0 {
			return domain.Content{Contacts: m.Contacts}
		}
	case domain.TypeInteractive:
		return rawContent(m.Interactive)
	case domain.TypeButton:
		return rawContent(m.Button)
	case domain.TypeUnknown:
	}
	return domain.Content{}
}

// Job converts the message into a queue job.
func (m Message) Job() (domain.Job, error) {
	return domain.NewJob(m.From, m.Classify(), m.Content(), m.ID)
}

func mediaContent(media *domain.Media) domain.Content {
	if media == nil {
		return domain.Content{}
	}
	return domain.Content{Media: media}
}

func rawContent(raw json.RawMessage) domain.Content {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.Content{}
	}
	return domain.Content{Raw: raw}
}
