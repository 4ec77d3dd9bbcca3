// Package render maps detection outcomes onto display strings. Every value
// that originated outside the process is HTML-escaped before it can reach a
// document.
package render

import (
	"fmt"
	"html"
	"math"
	"strings"

	"github.com/vectorops-cmd/liveguard/internal/inference"
)

// TimeUnavailable is shown when the backend reported no processing time.
const TimeUnavailable = "N/A"

// Rendered is the display form of a detection result.
type Rendered struct {
	// Label is the prediction uppercased, e.g. "SPOOF".
	Label string `json:"label"`
	// Confidence is a whole percentage with sign, e.g. "87%".
	Confidence string `json:"confidence"`
	// ProcessingTime is "<n> ms" or TimeUnavailable.
	ProcessingTime string `json:"processing_time"`
	// AttackType is empty when the backend sent none.
	AttackType string `json:"attack_type,omitempty"`
}

// Result renders a detection outcome.
func Result(res *inference.Result) Rendered {
	r := Rendered{
		Label:          html.EscapeString(strings.ToUpper(res.Label)),
		Confidence:     fmt.Sprintf("%d%%", Percent(res.Confidence)),
		ProcessingTime: TimeUnavailable,
	}
	if res.ProcessingTimeMs != nil {
		r.ProcessingTime = fmt.Sprintf("%d ms", *res.ProcessingTimeMs)
	}
	if res.AttackType != "" {
		r.AttackType = html.EscapeString(res.AttackType)
	}
	return r
}

// Percent converts a [0,1] confidence into a rounded whole percentage,
// always within [0,100].
func Percent(confidence float64) int {
	if math.IsNaN(confidence) || confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 100
	}
	return int(math.Round(confidence * 100))
}

// Error renders a failure message for display, escaped.
func Error(msg string) string {
	return html.EscapeString(msg)
}

// Status renders the backend liveness report, or the fixed unreachable
// string when the probe failed.
func Status(status *inference.Status, err error) string {
	if err != nil || status == nil {
		return "Backend unreachable"
	}
	state := "not loaded"
	if status.ModelLoaded {
		state = "loaded"
	}
	name := status.ModelName
	if name == "" {
		name = inference.LabelUnknown
	}
	return fmt.Sprintf("Backend online: model %s (%s)", html.EscapeString(name), state)
}
