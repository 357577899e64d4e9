package signal

import (
	"encoding/json"
	"fmt"
)

// frame is the union of every message on the wire. The flag fields tell
// the three kinds apart.
type frame struct {
	Request      bool            `json:"request,omitempty"`
	Response     bool            `json:"response,omitempty"`
	Notification bool            `json:"notification,omitempty"`
	ID           uint32          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    int             `json:"errorCode,omitempty"`
	ErrorReason  string          `json:"errorReason,omitempty"`
}

type requestFrame struct {
	Request bool   `json:"request"`
	ID      uint32 `json:"id"`
	Method  string `json:"method"`
	Data    any    `json:"data"`
}

type successFrame struct {
	Response bool   `json:"response"`
	ID       uint32 `json:"id"`
	OK       bool   `json:"ok"`
	Data     any    `json:"data"`
}

type errorFrame struct {
	Response    bool   `json:"response"`
	ID          uint32 `json:"id"`
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"errorCode"`
	ErrorReason string `json:"errorReason"`
}

type notificationFrame struct {
	Notification bool   `json:"notification"`
	Method       string `json:"method"`
	Data         any    `json:"data"`
}

func emptyIfNil(data any) any {
	if data == nil {
		return struct{}{}
	}
	return data
}

func encodeRequest(id uint32, method string, data any) ([]byte, error) {
	return json.Marshal(requestFrame{Request: true, ID: id, Method: method, Data: emptyIfNil(data)})
}

func encodeSuccess(id uint32, data any) ([]byte, error) {
	return json.Marshal(successFrame{Response: true, ID: id, OK: true, Data: emptyIfNil(data)})
}

func encodeError(id uint32, code int, reason string) ([]byte, error) {
	return json.Marshal(errorFrame{Response: true, ID: id, ErrorCode: code, ErrorReason: reason})
}

func encodeNotification(method string, data any) ([]byte, error) {
	return json.Marshal(notificationFrame{Notification: true, Method: method, Data: emptyIfNil(data)})
}

func decodeFrame(b []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return f, err
	}
	switch {
	case f.Request:
		if f.Method == "" {
			return f, fmt.Errorf("request %d without method", f.ID)
		}
	case f.Response:
	case f.Notification:
		if f.Method == "" {
			return f, fmt.Errorf("notification without method")
		}
	default:
		return f, fmt.Errorf("unknown message kind")
	}
	return f, nil
}

// RequestError is returned by Channel.Request when the remote rejected it.
type RequestError struct {
	Code   int
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request rejected: %d %s", e.Code, e.Reason)
}
