package transport

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/animalrunner/listener/internal/errors"
)

// Envelope types.
const (
	TypeTest       = "test_message"
	TypeVerdict    = "verdict"
	TypeUDPMessage = "udp_message"
)

// Envelope is the JSON datagram used by the probe, the bridges and verdict
// broadcasts.
type Envelope struct {
	Animal     string  `json:"animal"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
	Type       string  `json:"type"`
}

func NewEnvelope(typ, animal string, confidence float64, at time.Time) Envelope {
	return Envelope{
		Animal:     animal,
		Confidence: confidence,
		Timestamp:  at.Format(time.RFC3339Nano),
		Type:       typ,
	}
}

// Message is a decoded datagram in either wire form.
type Message struct {
	Label      string
	Confidence float64
	Type       string // empty for the text form
	Timestamp  string
	JSON       bool
	Raw        string
}

// ParseMessage decodes "<label>,<share>" or a JSON envelope.
func ParseMessage(b []byte) (Message, error) {
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return Message{}, apperrors.New(apperrors.CodeInvalidArgument, "empty datagram")
	}

	if strings.HasPrefix(raw, "{") {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return Message{}, apperrors.Wrap(err, apperrors.CodeInvalidArgument, "invalid JSON datagram")
		}
		return Message{
			Label:      env.Animal,
			Confidence: env.Confidence,
			Type:       env.Type,
			Timestamp:  env.Timestamp,
			JSON:       true,
			Raw:        raw,
		}, nil
	}

	i := strings.LastIndexByte(raw, ',')
	if i <= 0 {
		return Message{}, apperrors.Newf(apperrors.CodeInvalidArgument, "datagram %q is not label,share", raw)
	}
	share, err := strconv.ParseFloat(raw[i+1:], 64)
	if err != nil {
		return Message{}, apperrors.Wrapf(err, apperrors.CodeInvalidArgument, "datagram %q has bad share", raw)
	}
	return Message{Label: raw[:i], Confidence: share, Raw: raw}, nil
}
