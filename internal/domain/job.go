package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Job is the unit of asynchronous work carried from the receiver to the worker.
// Attempt counts and deadlines are queue metadata and are not part of the payload.
type Job struct {
	Sender      string          `json:"sender"`
	MessageType MessageType     `json:"message_type"`
	Content     json.RawMessage `json:"content"`
	MessageID   string          `json:"message_id"`
}

// NewJob builds a job for a classified message, encoding its content.
func NewJob(sender string, t MessageType, c Content, messageID string) (Job, error) {
	raw, err := EncodeContent(c)
	if err != nil {
		return Job{}, err
	}
	return Job{Sender: sender, MessageType: t, Content: raw, MessageID: messageID}, nil
}

// HasContent reports whether the job carries a non-null payload.
func (j Job) HasContent() bool {
	trimmed := bytes.TrimSpace(j.Content)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Text decodes the content as a plain string.
func (j Job) Text() (string, error) {
	var s string
	if err := j.decode(&s); err != nil {
		return "", err
	}
	return s, nil
}

// Media decodes the content as a single media reference.
func (j Job) Media() (*Media, error) {
	var m Media
	if err := j.decode(&m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, fmt.Errorf("media content for %s has no id", j.MessageType)
	}
	return &m, nil
}

func (j Job) Location() (*Location, error) {
	var l Location
	if err := j.decode(&l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (j Job) Contacts() ([]Contact, error) {
	var cs []Contact
	if err := j.decode(&cs); err != nil {
		return nil, err
	}
	return cs, nil
}

func (j Job) decode(v any) error {
	if !j.HasContent() {
		return fmt.Errorf("job %s (%s) has no content", j.MessageID, j.MessageType)
	}
	if err := json.Unmarshal(j.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", j.MessageType, err)
	}
	return nil
}
