package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageVersion is the current wire version of Message. Consumers reject
// anything newer and treat a missing version as 1.
const MessageVersion = 1

// ErrInvalidMessage wraps every validation failure from Message.Validate.
var ErrInvalidMessage = errors.New("invalid queue message")

// Message is the dispatch payload for one analysis. The video itself never
// travels on the queue; consumers read it from the object store by VideoKey.
type Message struct {
	AnalysisID string `json:"analysisId"`
	VideoKey   string `json:"videoKey"`
	RequestID  string `json:"requestId,omitempty"`
	EnqueuedAt string `json:"enqueuedAt"`
	Version    int    `json:"version"`
}

func NewMessage(analysisID, videoKey, requestID string, now time.Time) Message {
	return Message{
		AnalysisID: analysisID,
		VideoKey:   videoKey,
		RequestID:  requestID,
		EnqueuedAt: now.UTC().Format(time.RFC3339),
		Version:    MessageVersion,
	}
}

// Validate checks the fields a producer must set before sending.
func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.AnalysisID) == "":
		return fmt.Errorf("%w: analysisId is empty", ErrInvalidMessage)
	case strings.TrimSpace(m.VideoKey) == "":
		return fmt.Errorf("%w: videoKey is empty", ErrInvalidMessage)
	case m.Version > MessageVersion:
		return fmt.Errorf("%w: version %d is newer than %d", ErrInvalidMessage, m.Version, MessageVersion)
	}
	return nil
}

// EnqueueTime parses EnqueuedAt. ok is false when the stamp is missing or malformed.
func (m Message) EnqueueTime() (t time.Time, ok bool) {
	if m.EnqueuedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, m.EnqueuedAt)
	return t, err == nil
}

func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a payload. A zero version is read as version 1,
// the only version ever sent without the field.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode queue message: %w", err)
	}
	if msg.Version == 0 {
		msg.Version = 1
	}
	return msg, nil
}
