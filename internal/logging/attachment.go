package logging

import (
	"encoding/json"

	"github.com/google/uuid"
)

const TypeErrorAttachment = "errorAttachment"

// ErrorAttachment is supplementary data for a crash, supplied by the host
// after the crash is confirmed for sending.
type ErrorAttachment struct {
	Text   *string           `json:"textAttachment,omitempty"`
	Binary *BinaryAttachment `json:"binaryAttachment,omitempty"`
}

type BinaryAttachment struct {
	ContentType string `json:"contentType,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	Data        []byte `json:"data,omitzero"`
}

func TextAttachment(text string) ErrorAttachment {
	return ErrorAttachment{Text: &text}
}

func BinaryAttachmentOf(data []byte, fileName, contentType string) ErrorAttachment {
	return ErrorAttachment{Binary: &BinaryAttachment{
		ContentType: contentType,
		FileName:    fileName,
		Data:        data,
	}}
}

// ErrorAttachmentLog carries one attachment, linked to its crash by ErrorID.
type ErrorAttachmentLog struct {
	Base
	ID      uuid.UUID `json:"id"`
	ErrorID uuid.UUID `json:"errorId"`
	ErrorAttachment
}

func NewErrorAttachmentLog(errorID uuid.UUID, attachment ErrorAttachment) *ErrorAttachmentLog {
	return &ErrorAttachmentLog{
		ID:              uuid.New(),
		ErrorID:         errorID,
		ErrorAttachment: attachment,
	}
}

func (*ErrorAttachmentLog) Type() string { return TypeErrorAttachment }

func (l *ErrorAttachmentLog) MarshalJSON() ([]byte, error) {
	type alias ErrorAttachmentLog
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{TypeErrorAttachment, (*alias)(l)})
}
