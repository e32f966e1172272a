package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedResult is returned when a completed task's stored payload does
// not match the shape declared by its operation kind.
var ErrMalformedResult = errors.New("task: malformed result payload")

// AudioResult is the typed result of denoise, trim and tts operations.
type AudioResult struct {
	// Locator is the storage locator or URL of the produced artifact.
	Locator string `json:"locator"`
	// Filename is the suggested download filename.
	Filename string `json:"filename"`
}

// TranscriptSegment is one diarized portion of a transcript.
type TranscriptSegment struct {
	Speaker   string  `json:"speaker,omitempty"`
	Text      string  `json:"text"`
	OffsetSec float64 `json:"offset_sec"`
}

// TranscriptResult is the typed result of a transcribe operation.
type TranscriptResult struct {
	Text     string              `json:"text"`
	Language string              `json:"language,omitempty"`
	Segments []TranscriptSegment `json:"segments,omitempty"`
}

// SentimentResult is the typed result of a sentiment operation.
type SentimentResult struct {
	// Label is one of "positive", "neutral", "negative".
	Label string `json:"label"`
	// Score is the confidence in [0,1].
	Score float64 `json:"score"`
	// Emotions maps emotion name to intensity in [0,1].
	Emotions map[string]float64 `json:"emotions,omitempty"`
}

// SeparationSource is one separated stem.
type SeparationSource struct {
	SourceType string `json:"source_type"`
	Locator    string `json:"locator"`
	Filename   string `json:"filename"`
}

// SeparationResult is the typed result of a separate operation.
// Source order matches the backend's emission order.
type SeparationResult struct {
	Sources []SeparationSource `json:"sources"`
}

// Projected is the tagged union produced by Project. Exactly one of the
// result pointers is non-nil, selected by Op.
type Projected struct {
	TaskID     string            `json:"task_id"`
	Op         Op                `json:"operation"`
	Audio      *AudioResult      `json:"audio,omitempty"`
	Transcript *TranscriptResult `json:"transcript,omitempty"`
	Sentiment  *SentimentResult  `json:"sentiment,omitempty"`
	Separation *SeparationResult `json:"separation,omitempty"`
}

// Project maps a completed task's stored payload to its typed result.
// It returns nil for tasks that are not completed. The mapping is a pure
// function of the operation kind and the payload; it performs no I/O.
// A payload inconsistent with the operation kind fails with
// ErrMalformedResult rather than returning partial data.
func Project(t *Task) (*Projected, error) {
	if t == nil || t.GetStatus() != StatusCompleted {
		return nil, nil
	}

	p := &Projected{TaskID: t.ID, Op: t.Op}

	switch t.Op {
	case OpDenoise, OpTrim, OpTTS:
		var r AudioResult
		if err := decodeResult(t.Result, &r); err != nil {
			return nil, err
		}
		if r.Locator == "" {
			return nil, fmt.Errorf("%w: %s result missing locator", ErrMalformedResult, t.Op)
		}
		p.Audio = &r

	case OpTranscribe:
		var r TranscriptResult
		if err := decodeResult(t.Result, &r); err != nil {
			return nil, err
		}
		if r.Text == "" && len(r.Segments) == 0 {
			return nil, fmt.Errorf("%w: transcribe result carries no text", ErrMalformedResult)
		}
		p.Transcript = &r

	case OpSentiment:
		var r SentimentResult
		if err := decodeResult(t.Result, &r); err != nil {
			return nil, err
		}
		if err := validateSentiment(&r); err != nil {
			return nil, err
		}
		p.Sentiment = &r

	case OpSeparate:
		var r SeparationResult
		if err := decodeResult(t.Result, &r); err != nil {
			return nil, err
		}
		if len(r.Sources) == 0 {
			return nil, fmt.Errorf("%w: separate result carries no sources", ErrMalformedResult)
		}
		for _, src := range r.Sources {
			if src.SourceType == "" || src.Locator == "" {
				return nil, fmt.Errorf("%w: separation source missing type or locator", ErrMalformedResult)
			}
		}
		p.Separation = &r

	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrMalformedResult, t.Op)
	}

	return p, nil
}

// decodeResult strictly decodes a stored payload into the declared shape.
func decodeResult(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedResult)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedResult, err.Error())
	}
	return nil
}

func validateSentiment(r *SentimentResult) error {
	switch r.Label {
	case "positive", "neutral", "negative":
	default:
		return fmt.Errorf("%w: unknown sentiment label %q", ErrMalformedResult, r.Label)
	}
	if r.Score < 0 || r.Score > 1 {
		return fmt.Errorf("%w: sentiment score %v outside [0,1]", ErrMalformedResult, r.Score)
	}
	for name, intensity := range r.Emotions {
		if intensity < 0 || intensity > 1 {
			return fmt.Errorf("%w: emotion %q intensity %v outside [0,1]", ErrMalformedResult, name, intensity)
		}
	}
	return nil
}
