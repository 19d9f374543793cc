package errorsx

import (
	"fmt"
	"strings"
)

// CaptureKind classifies a failed stream acquisition.
type CaptureKind string

const (
	CapturePermissionDenied  CaptureKind = "permission_denied"
	CaptureNoAudioTrack      CaptureKind = "no_audio_track"
	CaptureDeviceUnavailable CaptureKind = "device_unavailable"
)

// CaptureError is returned when a display or microphone stream cannot be acquired.
type CaptureError struct {
	Kind   CaptureKind
	Source string
	Err    error
}

func (e *CaptureError) Error() string {
	var b strings.Builder
	b.WriteString("capture")
	if e.Source != "" {
		b.WriteString(" ")
		b.WriteString(e.Source)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Reason maps the capture kind to a reason code.
func (e *CaptureError) Reason() ReasonCode {
	switch e.Kind {
	case CapturePermissionDenied:
		return ReasonCapturePermission
	case CaptureNoAudioTrack:
		return ReasonCaptureNoTrack
	default:
		return ReasonCaptureUnavailable
	}
}

// EncodingKind classifies a WAV encoding failure.
type EncodingKind string

const (
	EncodingMalformedBuffer EncodingKind = "malformed_buffer"
	EncodingUnsupportedRate EncodingKind = "unsupported_rate"
)

type EncodingError struct {
	Kind   EncodingKind
	Detail string
}

func (e *EncodingError) Error() string {
	if e.Detail == "" {
		return "encoding: " + string(e.Kind)
	}
	return "encoding: " + string(e.Kind) + ": " + e.Detail
}

func (e *EncodingError) Reason() ReasonCode {
	if e.Kind == EncodingUnsupportedRate {
		return ReasonEncodeRate
	}
	return ReasonEncodeMalformed
}

// TranscriptionError reports a failed call to the transcription endpoint.
// Status is the HTTP status for non-2xx responses and zero otherwise.
type TranscriptionError struct {
	Status       int
	ParseFailure bool
	Body         string
	Err          error
}

func (e *TranscriptionError) Error() string {
	switch {
	case e.ParseFailure:
		if e.Err != nil {
			return "transcription: parse failure: " + e.Err.Error()
		}
		return "transcription: parse failure"
	case e.Status != 0:
		if e.Body != "" {
			return fmt.Sprintf("transcription: status %d: %s", e.Status, e.Body)
		}
		return fmt.Sprintf("transcription: status %d", e.Status)
	case e.Err != nil:
		return "transcription: " + e.Err.Error()
	default:
		return "transcription: failed"
	}
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

func (e *TranscriptionError) Reason() ReasonCode {
	switch {
	case e.ParseFailure:
		return ReasonTranscribeParse
	case e.Status == 429:
		return ReasonTranscribeRateLimit
	case e.Status != 0:
		return ReasonTranscribeStatus
	default:
		return ReasonTranscribeSend
	}
}

// RecognitionError carries the string code reported by a recognition engine.
type RecognitionError struct {
	Code    string
	Message string
}

func (e *RecognitionError) Error() string {
	if e.Message == "" {
		return "recognition: " + e.Code
	}
	return "recognition: " + e.Code + ": " + e.Message
}

func (e *RecognitionError) Reason() ReasonCode { return ReasonRecognizerEngine }
