package violation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingSessionID  = errors.New("violation missing session id")
	ErrMissingType       = errors.New("violation missing type")
	ErrMissingConfidence = errors.New("violation missing confidence")
	ErrMissingTimestamp  = errors.New("violation missing timestamp")
	ErrConfidenceRange   = errors.New("violation confidence outside [0,1]")
)

// Type identifies a detected rule breach. The enumeration is closed for
// dispatch purposes but unknown values still classify into the default
// severity bucket, so upstream model additions degrade gracefully.
type Type string

const (
	// Client-reported behavior
	TypeTabSwitch      Type = "tab_switch"
	TypeCopyPaste      Type = "copy_paste"
	TypeKeyCombo       Type = "key_combo"
	TypeWindowBlur     Type = "window_blur"
	TypeFullscreenExit Type = "fullscreen_exit"
	TypeRightClick     Type = "right_click"
	TypeDevTools       Type = "developer_tools"

	// Upstream ML detections
	TypeFaceNotDetected   Type = "face_not_detected"
	TypeMultipleFaces     Type = "multiple_faces"
	TypeIdentityMismatch  Type = "identity_mismatch"
	TypeCellPhoneDetected Type = "cell_phone_detected"
	TypeBookDetected      Type = "book_detected"
	TypeLaptopDetected    Type = "laptop_detected"
	TypePersonDetected    Type = "person_detected"
	TypeGazeDeviation     Type = "gaze_deviation"
	TypePoorPosture       Type = "poor_posture"
	TypeMultipleSpeakers  Type = "multiple_speakers"
	TypeSuspiciousAudio   Type = "suspicious_audio"
)

// Severity buckets derived from type and confidence, never stored as
// input.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Weight is the severity's contribution factor in the risk fold.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 0.40
	case SeverityHigh:
		return 0.25
	case SeverityMedium:
		return 0.15
	default:
		return 0.05
	}
}

var (
	criticalTypes = map[Type]bool{
		TypeDevTools:         true,
		TypeIdentityMismatch: true,
		TypeLaptopDetected:   true,
		TypeMultipleFaces:    true,
	}
	highTypes = map[Type]bool{
		TypeCopyPaste:         true,
		TypeCellPhoneDetected: true,
		TypePersonDetected:    true,
		TypeFaceNotDetected:   true,
		TypeMultipleSpeakers:  true,
		TypeSuspiciousAudio:   true,
	}
	mediumTypes = map[Type]bool{
		TypeTabSwitch:      true,
		TypeBookDetected:   true,
		TypeWindowBlur:     true,
		TypeFullscreenExit: true,
		TypeKeyCombo:       true,
	}
)

// IsCriticalType reports whether the type itself is in the critical
// set, independent of confidence.
func IsCriticalType(t Type) bool {
	return criticalTypes[t]
}

// SeverityOf derives severity from type and confidence. Total over all
// inputs: unknown types fall through the confidence thresholds into the
// low bucket.
func SeverityOf(t Type, confidence float64) Severity {
	switch {
	case criticalTypes[t] || confidence >= 0.9:
		return SeverityCritical
	case highTypes[t] || confidence >= 0.7:
		return SeverityHigh
	case mediumTypes[t] || confidence >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Violation is an append-only record of a detected breach. Never mutated
// after creation.
type Violation struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	OwnerID     string            `json:"owner_id,omitempty"`
	Type        Type              `json:"type"`
	Confidence  float64           `json:"confidence"`
	Detail      string            `json:"detail,omitempty"`
	DetectedAt  time.Time         `json:"detected_at"`
	EvidenceURL string            `json:"evidence_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Severity derives the violation's severity bucket.
func (v *Violation) Severity() Severity {
	return SeverityOf(v.Type, v.Confidence)
}

// BehaviorEvent is an ephemeral client-side signal, consumed exactly
// once by the classifier.
type BehaviorEvent struct {
	SessionID string            `json:"session_id"`
	Kind      string            `json:"kind"`
	Payload   map[string]string `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// RawDetection is a pre-classified detection from the upstream ML
// backend. Confidence is a pointer so a missing field is rejected rather
// than treated as zero.
type RawDetection struct {
	SessionID   string            `json:"session_id"`
	OwnerID     string            `json:"owner_id,omitempty"`
	Type        Type              `json:"type"`
	Confidence  *float64          `json:"confidence"`
	Detail      string            `json:"detail,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	EvidenceURL string            `json:"evidence_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Normalize validates a raw detection and produces the immutable
// violation record. Rejected detections are reported to the caller and
// never queued.
func Normalize(d RawDetection) (Violation, error) {
	if d.SessionID == "" {
		return Violation{}, ErrMissingSessionID
	}
	if d.Type == "" {
		return Violation{}, ErrMissingType
	}
	if d.Confidence == nil {
		return Violation{}, ErrMissingConfidence
	}
	if *d.Confidence < 0 || *d.Confidence > 1 {
		return Violation{}, fmt.Errorf("%w: %v", ErrConfidenceRange, *d.Confidence)
	}
	if d.Timestamp.IsZero() {
		return Violation{}, ErrMissingTimestamp
	}
	return Violation{
		ID:          uuid.New().String(),
		SessionID:   d.SessionID,
		OwnerID:     d.OwnerID,
		Type:        d.Type,
		Confidence:  *d.Confidence,
		Detail:      d.Detail,
		DetectedAt:  d.Timestamp,
		EvidenceURL: d.EvidenceURL,
		Metadata:    d.Metadata,
	}, nil
}
