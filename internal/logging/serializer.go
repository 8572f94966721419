package logging

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory returns an empty log of a registered type, ready to be decoded into.
type Factory func() Log

// SchemaError reports a payload that cannot be turned back into a log.
type SchemaError struct {
	Type string
	Err  error
}

func (e *SchemaError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("invalid log payload: %v", e.Err)
	}
	return fmt.Sprintf("invalid %q log payload: %v", e.Type, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Serializer converts logs to and from their JSON wire form.
type Serializer struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewSerializer() *Serializer {
	return &Serializer{factories: make(map[string]Factory)}
}

// DefaultSerializer knows every log type produced by this module.
func DefaultSerializer() *Serializer {
	s := NewSerializer()
	s.Register(TypeEvent, func() Log { return &EventLog{} })
	s.Register(TypeError, func() Log { return &ErrorLog{} })
	s.Register(TypeErrorAttachment, func() Log { return &ErrorAttachmentLog{} })
	return s
}

func (s *Serializer) Register(typ string, factory Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[typ] = factory
}

func (s *Serializer) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.factories))
	for typ := range s.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

func (s *Serializer) Serialize(log Log) ([]byte, error) {
	if log == nil {
		return nil, &SchemaError{Err: fmt.Errorf("nil log")}
	}
	if !s.known(log.Type()) {
		return nil, &SchemaError{Type: log.Type(), Err: fmt.Errorf("unregistered log type")}
	}

	data, err := json.Marshal(log)
	if err != nil {
		return nil, &SchemaError{Type: log.Type(), Err: err}
	}
	return data, nil
}

func (s *Serializer) Deserialize(data []byte) (Log, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, &SchemaError{Err: err}
	}
	if header.Type == "" {
		return nil, &SchemaError{Err: fmt.Errorf("missing type")}
	}

	s.mu.RLock()
	factory, ok := s.factories[header.Type]
	s.mu.RUnlock()
	if !ok {
		return nil, &SchemaError{Type: header.Type, Err: fmt.Errorf("unknown log type")}
	}

	log := factory()
	if err := json.Unmarshal(data, log); err != nil {
		return nil, &SchemaError{Type: header.Type, Err: err}
	}
	return log, nil
}

func (s *Serializer) known(typ string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.factories[typ]
	return ok
}

// LogContainer is the request body for one batch. Logs hold already
// serialized payloads so stored bytes go out unchanged.
type LogContainer struct {
	BatchID string            `json:"batchId"`
	Device  *Device           `json:"device,omitempty"`
	Logs    []json.RawMessage `json:"logs"`
}

// Decode returns the logs held by the container, in order.
func (c *LogContainer) Decode(s *Serializer) ([]Log, error) {
	logs := make([]Log, 0, len(c.Logs))
	for i, raw := range c.Logs {
		log, err := s.Deserialize(raw)
		if err != nil {
			return nil, fmt.Errorf("log %d: %w", i, err)
		}
		logs = append(logs, log)
	}
	return logs, nil
}
