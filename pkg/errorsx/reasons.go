package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonCapturePermission  ReasonCode = "capture_permission_denied"
	ReasonCaptureNoTrack     ReasonCode = "capture_no_audio_track"
	ReasonCaptureUnavailable ReasonCode = "capture_device_unavailable"
	ReasonCaptureRate        ReasonCode = "capture_rate_mismatch"

	ReasonEncodeMalformed ReasonCode = "encode_malformed_buffer"
	ReasonEncodeRate      ReasonCode = "encode_unsupported_rate"

	ReasonTranscribeStatus      ReasonCode = "transcribe_status"
	ReasonTranscribeParse       ReasonCode = "transcribe_parse"
	ReasonTranscribeSend        ReasonCode = "transcribe_send"
	ReasonTranscribeRateLimit   ReasonCode = "transcribe_rate_limit"
	ReasonTranscribeCircuitOpen ReasonCode = "transcribe_circuit_open"
	ReasonCodecLoad             ReasonCode = "codec_load"

	ReasonRecognizerConnect ReasonCode = "recognizer_connect"
	ReasonRecognizerEngine  ReasonCode = "recognizer_engine"
	ReasonRecognizerSend    ReasonCode = "recognizer_send"
	ReasonRecognizerBacklog ReasonCode = "recognizer_backlog"

	ReasonDispatchQueueFull ReasonCode = "dispatch_queue_full"
	ReasonDispatchTimeout   ReasonCode = "dispatch_timeout"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
)
