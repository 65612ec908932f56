package model

import (
	"fmt"
	"strings"
	"time"

	"rafined/internal/protocol"
)

type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneTechnical    Tone = "technical"
)

func ParseTone(v string) (Tone, error) {
	switch t := Tone(strings.ToLower(strings.TrimSpace(v))); t {
	case ToneProfessional, ToneCasual, ToneTechnical:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported tone %q", v)
	}
}

// Settings is the per-owner configuration read once at the start of every
// enhancement.
type Settings struct {
	APIKey          string `json:"apiKey"`
	Tone            Tone   `json:"tone"`
	AddOutputFormat bool   `json:"addOutputFormat"`
	KeepConcise     bool   `json:"keepConcise"`
}

func DefaultSettings() Settings {
	return Settings{
		APIKey:          "",
		Tone:            ToneProfessional,
		AddOutputFormat: true,
		KeepConcise:     false,
	}
}

// SettingsPatch is a partial update; nil fields are left unchanged.
type SettingsPatch struct {
	APIKey          *string `json:"apiKey,omitempty"`
	Tone            *Tone   `json:"tone,omitempty"`
	AddOutputFormat *bool   `json:"addOutputFormat,omitempty"`
	KeepConcise     *bool   `json:"keepConcise,omitempty"`
}

func (p SettingsPatch) Apply(s Settings) Settings {
	if p.APIKey != nil {
		s.APIKey = strings.TrimSpace(*p.APIKey)
	}
	if p.Tone != nil {
		s.Tone = *p.Tone
	}
	if p.AddOutputFormat != nil {
		s.AddOutputFormat = *p.AddOutputFormat
	}
	if p.KeepConcise != nil {
		s.KeepConcise = *p.KeepConcise
	}
	return s
}

type HistoryEntry struct {
	ID             string               `json:"id"`
	OriginalPrompt string               `json:"originalPrompt"`
	EnhancedPrompt string               `json:"enhancedPrompt"`
	TargetModel    protocol.TargetModel `json:"targetModel"`
	Timestamp      time.Time            `json:"timestamp"`
	Used           bool                 `json:"used"`
}

// NewHistoryEntry is a history record before the store assigns its id.
type NewHistoryEntry struct {
	OriginalPrompt string
	EnhancedPrompt string
	TargetModel    protocol.TargetModel
	Timestamp      time.Time
}
