package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSuperseded         = errors.New("connect superseded by a newer attempt")
	ErrConversationLocked = errors.New("conversation cannot change while connected")
	ErrDisconnected       = errors.New("session disconnected while connecting")
	ErrEmptyTranscript    = errors.New("transcript is empty")
)

// MediaAccessError reports that a capture device could not be acquired.
type MediaAccessError struct {
	DeviceID string
	Err      error
}

func (e *MediaAccessError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("media access failed: %v", e.Err)
	}
	return fmt.Sprintf("media access failed for device %q: %v", e.DeviceID, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// NegotiationStateError reports a remote description arriving out of order.
type NegotiationStateError struct {
	Expected string
	Actual   string
}

func (e *NegotiationStateError) Error() string {
	return fmt.Sprintf("invalid signaling state: %s. Expected %q", e.Actual, e.Expected)
}

// SignalingError reports a failed offer/answer exchange.
type SignalingError struct {
	Status int
	Body   string
	Err    error
}

func (e *SignalingError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("signaling failed: %v", e.Err)
	}
	if e.Body == "" && e.Err != nil {
		return fmt.Sprintf("signaling failed: server returned %d: %v", e.Status, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("signaling failed: server returned %d", e.Status)
	}
	return fmt.Sprintf("signaling failed: server returned %d: %s", e.Status, e.Body)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// ChannelReconnectExhaustedError reports that the transcript channel gave up.
type ChannelReconnectExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ChannelReconnectExhaustedError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("transcript channel: max reconnection attempts (%d) reached", e.Attempts)
	}
	return fmt.Sprintf("transcript channel: max reconnection attempts (%d) reached: %v", e.Attempts, e.LastErr)
}

func (e *ChannelReconnectExhaustedError) Unwrap() error { return e.LastErr }

// DeviceSwitchError reports a non-fatal failure to change devices.
type DeviceSwitchError struct {
	Kind     DeviceKind
	DeviceID string
	Err      error
}

func (e *DeviceSwitchError) Error() string {
	return fmt.Sprintf("unable to update %s device %q: %v", e.Kind, e.DeviceID, e.Err)
}

func (e *DeviceSwitchError) Unwrap() error { return e.Err }
