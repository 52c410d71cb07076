// Package protocol defines the frames exchanged between replicas and the relay.
//
// Frames travel as JSON text messages; byte fields are base64 encoded.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FrameType discriminates frames.
type FrameType string

const (
	FrameJoin            FrameType = "JOIN"
	FrameJoinAck         FrameType = "JOIN_ACK"
	FrameJoinReject      FrameType = "JOIN_REJECT"
	FrameUpdate          FrameType = "UPDATE"
	FramePresence        FrameType = "PRESENCE"
	FramePresenceRemoved FrameType = "PRESENCE_REMOVED"
	FrameRateLimited     FrameType = "RATE_LIMITED"
	FrameError           FrameType = "ERROR"
)

// ErrMalformedFrame indicates bytes that do not decode to a known frame.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// PresenceEntry is the latest presence payload of one connection.
type PresenceEntry struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	UserName     string `json:"userName,omitempty"`
	Payload      []byte `json:"payload"`
}

// Frame is the union of every message on the wire. Only the fields relevant
// to Type are set.
type Frame struct {
	Type         FrameType       `json:"type"`
	DocumentID   string          `json:"documentId,omitempty"`
	Token        string          `json:"token,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	UserName     string          `json:"userName,omitempty"`
	Payload      []byte          `json:"payload,omitempty"`
	StateSummary []byte          `json:"stateSummary,omitempty"`
	Reason       Reason          `json:"reason,omitempty"`
	Detail       string          `json:"detail,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	ResetAt      *time.Time      `json:"resetAt,omitempty"`
	Presence     []PresenceEntry `json:"presence,omitempty"`
}

func (t FrameType) known() bool {
	switch t {
	case FrameJoin, FrameJoinAck, FrameJoinReject, FrameUpdate, FramePresence,
		FramePresenceRemoved, FrameRateLimited, FrameError:
		return true
	default:
		return false
	}
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(frame Frame) ([]byte, error) {
	if !frame.Type.known() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, frame.Type)
	}
	return json.Marshal(frame)
}

// DecodeFrame parses wire bytes and rejects unknown frame types.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !frame.Type.known() {
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, frame.Type)
	}
	return frame, nil
}

// ErrorFrame builds the frame reporting err to a peer.
func ErrorFrame(err error) Frame {
	var protocolErr *Error
	if !errors.As(err, &protocolErr) {
		return Frame{Type: FrameError, Reason: ReasonMalformedFrame, Detail: err.Error()}
	}
	frame := Frame{Type: FrameError, Reason: protocolErr.Reason, Detail: protocolErr.Detail}
	if !protocolErr.ResetAt.IsZero() {
		resetAt := protocolErr.ResetAt
		frame.ResetAt = &resetAt
	}
	return frame
}

// RejectFrame builds the JOIN_REJECT frame for err.
func RejectFrame(err error) Frame {
	frame := ErrorFrame(err)
	frame.Type = FrameJoinReject
	return frame
}
