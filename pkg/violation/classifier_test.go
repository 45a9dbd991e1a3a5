package violation

import (
	"errors"
	"testing"
	"time"
)

func event(kind string, payload map[string]string) BehaviorEvent {
	return BehaviorEvent{
		SessionID: "s1",
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

func TestClassifyTable(t *testing.T) {
	tests := []struct {
		kind           string
		wantType       Type
		wantConfidence float64
	}{
		{KindTabSwitch, TypeTabSwitch, 0.9},
		{KindCopyPaste, TypeCopyPaste, 0.95},
		{KindWindowBlur, TypeWindowBlur, 0.7},
		{KindFullscreenExit, TypeFullscreenExit, 0.8},
		{KindDevTools, TypeDevTools, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			vs, err := Classify(event(tt.kind, nil))
			if err != nil {
				t.Fatalf("Classify(%s) error: %v", tt.kind, err)
			}
			if len(vs) != 1 {
				t.Fatalf("Classify(%s) returned %d violations, want 1", tt.kind, len(vs))
			}
			if vs[0].Type != tt.wantType {
				t.Errorf("type = %s, want %s", vs[0].Type, tt.wantType)
			}
			if vs[0].Confidence != tt.wantConfidence {
				t.Errorf("confidence = %v, want %v", vs[0].Confidence, tt.wantConfidence)
			}
		})
	}
}

func TestClassifyKeyCombo(t *testing.T) {
	vs, err := Classify(event(KindKeyCombo, map[string]string{"keys": "Ctrl+C"}))
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if len(vs) != 1 || vs[0].Type != TypeKeyCombo || vs[0].Confidence != 0.8 {
		t.Fatalf("ctrl+c should classify as key_combo@0.8, got %+v", vs)
	}

	vs, err = Classify(event(KindKeyCombo, map[string]string{"keys": "ctrl+s"}))
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if len(vs) != 0 {
		t.Fatalf("benign key combo should yield no violations, got %d", len(vs))
	}
}

func TestClassifyRightClick(t *testing.T) {
	vs, err := Classify(event(KindRightClick, map[string]string{"selection": "true"}))
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if len(vs) != 1 || vs[0].Type != TypeRightClick || vs[0].Confidence != 0.6 {
		t.Fatalf("right click with selection should classify at 0.6, got %+v", vs)
	}

	vs, err = Classify(event(KindRightClick, nil))
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if len(vs) != 0 {
		t.Fatalf("right click without selection should yield no violations, got %d", len(vs))
	}
}

func TestClassifyUnknownKind(t *testing.T) {
	vs, err := Classify(event("mouse_move", nil))
	if err != nil {
		t.Fatalf("unknown kinds are benign, got error: %v", err)
	}
	if len(vs) != 0 {
		t.Fatalf("unknown kind should yield no violations, got %d", len(vs))
	}
}

func TestClassifyValidation(t *testing.T) {
	if _, err := Classify(BehaviorEvent{Kind: KindTabSwitch, Timestamp: time.Now()}); !errors.Is(err, ErrMissingSessionID) {
		t.Errorf("missing session id, got %v", err)
	}
	if _, err := Classify(BehaviorEvent{SessionID: "s1", Timestamp: time.Now()}); !errors.Is(err, ErrMissingEventKind) {
		t.Errorf("missing kind, got %v", err)
	}
	if _, err := Classify(BehaviorEvent{SessionID: "s1", Kind: KindTabSwitch}); !errors.Is(err, ErrMissingTimestamp) {
		t.Errorf("missing timestamp, got %v", err)
	}
}

// Mirrors a real exam run: two tab switches around a copy-paste. All
// three land in the critical bucket through confidence alone.
func TestClassifyExamScenario(t *testing.T) {
	kinds := []string{KindTabSwitch, KindCopyPaste, KindTabSwitch}
	wantConfidence := []float64{0.9, 0.95, 0.9}

	var all []Violation
	for _, k := range kinds {
		vs, err := Classify(event(k, nil))
		if err != nil {
			t.Fatalf("Classify(%s) error: %v", k, err)
		}
		all = append(all, vs...)
	}

	if len(all) != 3 {
		t.Fatalf("expected 3 violations, got %d", len(all))
	}
	for i, v := range all {
		if v.Confidence != wantConfidence[i] {
			t.Errorf("violation %d confidence = %v, want %v", i, v.Confidence, wantConfidence[i])
		}
		if v.Severity() != SeverityCritical {
			t.Errorf("violation %d severity = %s, want critical", i, v.Severity())
		}
	}
}
