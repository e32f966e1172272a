package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrValidation is returned when operation parameters fail schema validation.
// The wrapped message names the offending field.
var ErrValidation = errors.New("task: validation failed")

// DenoiseParams configures noise removal and speech enhancement.
type DenoiseParams struct {
	NoiseReductionLevel float64 `json:"noise_reduction_level" validate:"gte=0,lte=1"`
	EnhanceSpeech       bool    `json:"enhance_speech"`
}

// TranscribeParams configures speech-to-text transcription.
type TranscribeParams struct {
	Language          string `json:"language,omitempty"`
	EnableDiarization bool   `json:"enable_diarization"`
	Timestamps        bool   `json:"timestamps"`
	Model             string `json:"model" validate:"oneof=tiny base small medium large"`
}

// TrimParams configures silence detection and removal.
type TrimParams struct {
	SilenceThresholdDB float64 `json:"silence_threshold_db" validate:"lte=0"`
	MinSilenceDuration float64 `json:"min_silence_duration" validate:"gt=0"`
	RemoveSilence      bool    `json:"remove_silence"`
}

// SeparateParams configures source separation.
type SeparateParams struct {
	SeparationType string `json:"separation_type" validate:"oneof=vocals drums bass other"`
	Model          string `json:"model"`
	SaveAllStems   bool   `json:"save_all_stems"`
}

// SentimentParams configures sentiment and emotion analysis.
type SentimentParams struct {
	IncludeEmotions     bool    `json:"include_emotions"`
	ConfidenceThreshold float64 `json:"confidence_threshold" validate:"gte=0,lte=1"`
}

// TTSParams configures text-to-speech synthesis.
type TTSParams struct {
	Text     string  `json:"text" validate:"required"`
	VoiceID  string  `json:"voice_id,omitempty"`
	Language string  `json:"language"`
	Speed    float64 `json:"speed" validate:"gte=0.5,lte=2"`
}

// paramDefaults returns the default parameter struct for an operation kind.
func paramDefaults(op Op) any {
	switch op {
	case OpDenoise:
		return &DenoiseParams{NoiseReductionLevel: 0.8, EnhanceSpeech: true}
	case OpTranscribe:
		return &TranscribeParams{Timestamps: true, Model: "base"}
	case OpTrim:
		return &TrimParams{SilenceThresholdDB: -40.0, MinSilenceDuration: 0.5, RemoveSilence: true}
	case OpSeparate:
		return &SeparateParams{SeparationType: "vocals", Model: "htdemucs"}
	case OpSentiment:
		return &SentimentParams{IncludeEmotions: true, ConfidenceThreshold: 0.5}
	case OpTTS:
		return &TTSParams{Language: "en", Speed: 1.0}
	default:
		return nil
	}
}

// newValidator creates a validator that reports fields by their JSON names,
// so validation errors name the wire-level field the caller sent.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// NormalizeParams validates raw operation parameters against the
// per-operation schema, applies defaults for absent fields, and returns the
// canonical JSON encoding. Unknown fields and out-of-range values fail with
// ErrValidation naming the offending field. A nil raw mapping is treated as
// an empty one, so every operation except tts can run on defaults alone.
func NormalizeParams(v *validator.Validate, op Op, raw json.RawMessage) (json.RawMessage, error) {
	params := paramDefaults(op)
	if params == nil {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrValidation, op)
	}

	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(params); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, decodeErrorField(err))
		}
	}

	if err := v.Struct(params); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, fmt.Errorf("%w: field %q failed %q constraint", ErrValidation, fe.Field(), fe.Tag())
		}
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	// tts text must be non-empty after trimming, not just present
	if p, ok := params.(*TTSParams); ok && strings.TrimSpace(p.Text) == "" {
		return nil, fmt.Errorf("%w: field %q must be non-empty", ErrValidation, "text")
	}

	canonical, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("task: marshal params: %w", err)
	}
	return canonical, nil
}

// decodeErrorField extracts a usable field description from JSON decode errors.
func decodeErrorField(err error) string {
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) && ute.Field != "" {
		return fmt.Sprintf("field %q has wrong type", ute.Field)
	}
	return err.Error()
}
