package logging

import (
	"encoding/json"

	"github.com/google/uuid"
)

const TypeEvent = "event"

type EventLog struct {
	Base
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties,omitzero"`
}

func NewEventLog(name string, properties map[string]string) *EventLog {
	return &EventLog{
		ID:         uuid.New(),
		Name:       name,
		Properties: properties,
	}
}

func (*EventLog) Type() string { return TypeEvent }

func (l *EventLog) MarshalJSON() ([]byte, error) {
	type alias EventLog
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{TypeEvent, (*alias)(l)})
}
