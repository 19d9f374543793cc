package metrics

// Event names emitted by the capture, mixing and transcription paths.
const (
	EventCaptureAcquired = "capture_acquired"
	EventCaptureError    = "capture_error"
	EventCaptureReleased = "capture_released"
	EventFramesDropped   = "capture_frames_dropped"

	EventBlockIn          = "mixer_block_in"
	EventBlockDropped     = "mixer_block_dropped"
	EventSegmentFlushed   = "segment_flushed"
	EventSegmentEncodeErr = "segment_encode_error"

	EventTranscribeStart   = "transcription_start"
	EventTranscribeOK      = "transcription_ok"
	EventTranscribeError   = "transcription_error"
	EventTranscribeDrop    = "transcription_dropped"
	EventSegmentCommitted  = "segment_committed"
	EventBreakerOpen       = "breaker_open"
	EventBreakerDenied     = "breaker_denied"
	EventCodecLoaded       = "codec_loaded"
	EventRecognizerFinal   = "recognition_final"
	EventRecognizerInterim = "recognition_interim"
	EventRecognizerError   = "recognition_error"
	EventRecognizerDropped = "recognition_frames_dropped"
	EventSessionStart      = "session_start"
	EventSessionStop       = "session_stop"
)

// Tag keys shared by observers.
const (
	TagSessionID = "session_id"
	TagSource    = "source"
	TagProvider  = "provider"
	TagSegmentID = "segment_id"
	TagReason    = "reason_code"
	TagChannel   = "channel"
)
