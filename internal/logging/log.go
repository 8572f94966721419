package logging

import (
	"reflect"

	"github.com/google/uuid"
)

// Base carries the properties shared by every log type.
type Base struct {
	TOffset   int64      `json:"toffset"`
	SessionID *uuid.UUID `json:"sid,omitempty"`
	Device    *Device    `json:"device,omitempty"`
}

func (b *Base) Common() *Base { return b }

// Device is a snapshot of the host at the time a log was produced.
type Device struct {
	SDKName        string `json:"sdkName,omitempty"`
	SDKVersion     string `json:"sdkVersion,omitempty"`
	Model          string `json:"model,omitempty"`
	OSName         string `json:"osName,omitempty"`
	OSVersion      string `json:"osVersion,omitempty"`
	Locale         string `json:"locale,omitempty"`
	TimeZoneOffset int    `json:"timeZoneOffset,omitempty"`
	AppVersion     string `json:"appVersion,omitempty"`
	AppBuild       string `json:"appBuild,omitempty"`
	AppNamespace   string `json:"appNamespace,omitempty"`
}

// Equal reports whether two logs are structurally equal. Logs of different
// concrete types are never equal, even when their common fields match.
func Equal(a, b Log) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}
