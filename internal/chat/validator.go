package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 8192 // max encoded content size
	MaxTextChars    = 4000 // max character count
	MaxAttachments  = 10
)

// ErrEmptyMessage is returned when a message has neither text nor attachments.
var ErrEmptyMessage = errors.New("chat: message has no content and no attachments")

// ValidateContent checks that an outbound message meets content
// requirements. Empty text is allowed only when attachments are present.
func ValidateContent(text string, attachments []Attachment) error {
	if len(text) == 0 && len(attachments) == 0 {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxTextChars)
	}
	if len(attachments) > MaxAttachments {
		return fmt.Errorf("chat: message exceeds %d attachment limit", MaxAttachments)
	}
	for i, a := range attachments {
		if a.ID == "" {
			return fmt.Errorf("chat: attachment %d has no id", i)
		}
	}
	return nil
}
