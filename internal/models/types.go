package models

import (
	"errors"
	"strconv"
)

// Message roles accepted by the completion API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation, in completion API wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelParams holds the generation-control parameters a user may tune.
// The key set is fixed; unknown names are rejected by Set.
type ModelParams struct {
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
}

var (
	// ErrUnknownParam is returned when a parameter name is not in the fixed key set.
	ErrUnknownParam = errors.New("unknown parameter")
	// ErrInvalidValue is returned when a raw value cannot be coerced to the parameter's type.
	ErrInvalidValue = errors.New("invalid parameter value")
)

// DefaultParams returns the fixed default parameter set.
func DefaultParams() ModelParams {
	return ModelParams{
		Model:            "gpt-3.5-turbo",
		Temperature:      0.7,
		MaxTokens:        1000,
		TopP:             1.0,
		FrequencyPenalty: 0.0,
		PresencePenalty:  0.0,
	}
}

// ParamNames lists the tunable parameter names in display order.
func ParamNames() []string {
	return []string{"model", "temperature", "max_tokens", "top_p", "frequency_penalty", "presence_penalty"}
}

// ValidParamName reports whether name belongs to the fixed parameter key set.
func ValidParamName(name string) bool {
	for _, n := range ParamNames() {
		if n == name {
			return true
		}
	}
	return false
}

// Set coerces raw to the declared type of the named parameter and assigns it.
// On failure no field is mutated.
func (p *ModelParams) Set(name, raw string) error {
	switch name {
	case "model":
		p.Model = raw
	case "temperature":
		return setFloat(&p.Temperature, raw)
	case "max_tokens":
		n, err := strconv.Atoi(raw)
		if err != nil {
			return ErrInvalidValue
		}
		p.MaxTokens = n
	case "top_p":
		return setFloat(&p.TopP, raw)
	case "frequency_penalty":
		return setFloat(&p.FrequencyPenalty, raw)
	case "presence_penalty":
		return setFloat(&p.PresencePenalty, raw)
	default:
		return ErrUnknownParam
	}
	return nil
}

func setFloat(dst *float64, raw string) error {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return ErrInvalidValue
	}
	*dst = f
	return nil
}
