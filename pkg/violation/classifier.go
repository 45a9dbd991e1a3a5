package violation

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrMissingEventKind = errors.New("behavior event missing kind")

// Behavior event kinds reported by the exam client.
const (
	KindTabSwitch      = "tab_switch"
	KindCopyPaste      = "copy_paste"
	KindRightClick     = "right_click"
	KindKeyCombo       = "key_combo"
	KindWindowBlur     = "window_blur"
	KindFullscreenExit = "fullscreen_exit"
	KindDevTools       = "dev_tools"
)

type behaviorRule struct {
	violationType Type
	confidence    float64
	detail        string
}

// Fixed behavior-to-violation table. Confidences follow the exam client
// contract; key combos and right clicks are conditional on payload.
var behaviorTable = map[string]behaviorRule{
	KindTabSwitch:      {TypeTabSwitch, 0.9, "switched browser tabs"},
	KindCopyPaste:      {TypeCopyPaste, 0.95, "copy-paste activity detected"},
	KindWindowBlur:     {TypeWindowBlur, 0.7, "exam window lost focus"},
	KindFullscreenExit: {TypeFullscreenExit, 0.8, "left fullscreen mode"},
	KindDevTools:       {TypeDevTools, 1.0, "developer tools opened"},
}

// suspiciousCombos are the key combinations that classify as violations.
var suspiciousCombos = map[string]bool{
	"ctrl+c": true,
	"ctrl+v": true,
}

// Classify maps a client behavior event onto zero or more violations.
// It validates the event envelope; non-violating kinds yield an empty
// slice and no error.
func Classify(ev BehaviorEvent) ([]Violation, error) {
	if ev.SessionID == "" {
		return nil, ErrMissingSessionID
	}
	if ev.Kind == "" {
		return nil, ErrMissingEventKind
	}
	if ev.Timestamp.IsZero() {
		return nil, ErrMissingTimestamp
	}

	if rule, ok := behaviorTable[ev.Kind]; ok {
		return []Violation{newFromRule(ev, rule)}, nil
	}

	switch ev.Kind {
	case KindKeyCombo:
		combo := strings.ToLower(ev.Payload["keys"])
		if suspiciousCombos[combo] {
			return []Violation{newFromRule(ev, behaviorRule{
				violationType: TypeKeyCombo,
				confidence:    0.8,
				detail:        "suspicious key combination: " + combo,
			})}, nil
		}
	case KindRightClick:
		// only flagged when the student had text selected
		if ev.Payload["selection"] == "true" {
			return []Violation{newFromRule(ev, behaviorRule{
				violationType: TypeRightClick,
				confidence:    0.6,
				detail:        "right click during text selection",
			})}, nil
		}
	}
	return nil, nil
}

func newFromRule(ev BehaviorEvent, rule behaviorRule) Violation {
	v := Violation{
		ID:         uuid.New().String(),
		SessionID:  ev.SessionID,
		Type:       rule.violationType,
		Confidence: rule.confidence,
		Detail:     rule.detail,
		DetectedAt: ev.Timestamp,
	}
	if len(ev.Payload) > 0 {
		v.Metadata = make(map[string]string, len(ev.Payload))
		for k, val := range ev.Payload {
			v.Metadata[k] = val
		}
	}
	if v.DetectedAt.IsZero() {
		v.DetectedAt = time.Now().UTC()
	}
	return v
}
