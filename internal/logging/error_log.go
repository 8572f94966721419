package logging

import (
	"encoding/json"

	"github.com/google/uuid"
)

const TypeError = "managedError"

// ErrorLog describes a crash of the host process. ID is the crash identifier
// that attachments refer to.
type ErrorLog struct {
	Base
	ID                uuid.UUID  `json:"id"`
	ProcessID         int        `json:"processId,omitempty"`
	ProcessName       string     `json:"processName,omitempty"`
	ParentProcessID   *int       `json:"parentProcessId,omitempty"`
	ParentProcessName *string    `json:"parentProcessName,omitempty"`
	ErrorThreadID     *int64     `json:"errorThreadId,omitempty"`
	ErrorThreadName   *string    `json:"errorThreadName,omitempty"`
	Fatal             bool       `json:"fatal,omitempty"`
	AppLaunchTOffset  *int64     `json:"appLaunchTOffset,omitempty"`
	Architecture      string     `json:"architecture,omitempty"`
	Exception         *Exception `json:"exception,omitempty"`
	Threads           []Thread   `json:"threads,omitzero"`
}

func (*ErrorLog) Type() string { return TypeError }

func (l *ErrorLog) MarshalJSON() ([]byte, error) {
	type alias ErrorLog
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{TypeError, (*alias)(l)})
}

// Exception is one level of a failure. Inner exceptions nest without limit.
type Exception struct {
	Type            string       `json:"type,omitempty"`
	Message         *string      `json:"message,omitempty"`
	StackTrace      *string      `json:"stackTrace,omitempty"`
	Frames          []StackFrame `json:"frames,omitzero"`
	InnerExceptions []Exception  `json:"innerExceptions,omitzero"`
	WrapperSDKName  *string      `json:"wrapperSdkName,omitempty"`
}

type Thread struct {
	ID     int64        `json:"id"`
	Name   *string      `json:"name,omitempty"`
	Frames []StackFrame `json:"frames,omitzero"`
}

type StackFrame struct {
	ClassName  *string `json:"className,omitempty"`
	MethodName *string `json:"methodName,omitempty"`
	FileName   *string `json:"fileName,omitempty"`
	LineNumber *int    `json:"lineNumber,omitempty"`
}
