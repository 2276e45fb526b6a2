package audio

import "errors"

var (
	// ErrPermissionDenied is returned when the OS refuses microphone access.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when no usable capture or output device exists.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)
