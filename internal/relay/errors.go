package relay

import "errors"

// errTranscriptionDisabled is returned when a voice message arrives but
// no transcription sidecar is configured.
var errTranscriptionDisabled = errors.New("transcription not configured")
