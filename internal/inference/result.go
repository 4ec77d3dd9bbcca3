package inference

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// LabelUnknown is the sentinel used when the backend omits a prediction.
const LabelUnknown = "unknown"

// ErrBackendUnreachable marks transport-level failures (DNS, refused
// connection, timeout) as opposed to errors the backend itself reported.
var ErrBackendUnreachable = errors.New("backend unreachable")

// StatusError is a non-2xx reply. Body is the raw response text, never
// parsed as JSON.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// RemoteError is a 2xx reply whose JSON body carried an explicit error field.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Result is the normalized outcome of one detection call.
type Result struct {
	// Label is the backend's prediction as sent ("real", "spoof", ...),
	// LabelUnknown when absent. Use CanonicalLabel for real/fake bucketing.
	Label      string
	Confidence float64
	// ProcessingTimeMs is nil when the backend reported no timing.
	ProcessingTimeMs *int64
	AttackType       string
	// Filename is the server-persisted frame name, empty if the backend
	// did not keep the upload. Thumbnails resolve to /uploads/<Filename>.
	Filename    string
	ModelLoaded bool
}

// Status is the backend liveness report.
type Status struct {
	ModelName   string `json:"model_name"`
	ModelLoaded bool   `json:"model_loaded"`
}

// LogRow is one historical detection as returned by the backend log listing.
type LogRow struct {
	Result
	Timestamp time.Time
}

// rawResult accepts both field-name variants the backend rewrites produced.
type rawResult struct {
	Prediction       string   `json:"prediction"`
	Label            string   `json:"label"`
	Confidence       float64  `json:"confidence"`
	ProcessingTimeMs *float64 `json:"processing_time_ms"`
	ProcessingTime   *float64 `json:"processing_time"`
	AttackType       string   `json:"attack_type"`
	Filename         string   `json:"filename"`
	ImagePath        string   `json:"image_path"`
	Timestamp        string   `json:"timestamp"`
	ModelLoaded      bool     `json:"model_loaded"`
	Error            string   `json:"error"`
}

func (r *rawResult) normalize() *Result {
	res := &Result{
		Label:       LabelUnknown,
		AttackType:  r.AttackType,
		Filename:    r.Filename,
		ModelLoaded: r.ModelLoaded,
	}
	if r.Prediction != "" {
		res.Label = r.Prediction
	} else if r.Label != "" {
		res.Label = r.Label
	}
	res.Confidence = clamp01(r.Confidence)
	if ms := r.ProcessingTimeMs; ms != nil {
		v := int64(math.Round(*ms))
		res.ProcessingTimeMs = &v
	} else if ms := r.ProcessingTime; ms != nil {
		v := int64(math.Round(*ms))
		res.ProcessingTimeMs = &v
	}
	if res.Filename == "" && r.ImagePath != "" {
		res.Filename = baseName(r.ImagePath)
	}
	return res
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// CanonicalLabel folds the label vocabulary the model variants emit into
// real, fake or unknown. Mirrors the backend's own normalization table.
func CanonicalLabel(label string) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "live", "real", "genuine", "real_face":
		return "real"
	case "spoof", "fake", "attack", "replay", "print", "mask":
		return "fake"
	default:
		return LabelUnknown
	}
}
