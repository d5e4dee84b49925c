package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	model := NewClassifier(testEncoderConfig())
	path := filepath.Join(t.TempDir(), "model.bin")

	if err := SaveClassifier(model, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := LoadClassifier(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if loaded.Config() != model.Config() {
		t.Errorf("config mismatch: %+v vs %+v", loaded.Config(), model.Config())
	}

	origParams := model.NamedParameters()
	loadedParams := loaded.NamedParameters()
	if len(origParams) != len(loadedParams) {
		t.Fatalf("parameter count mismatch: %d vs %d", len(origParams), len(loadedParams))
	}

	for i := range origParams {
		orig := origParams[i].Tensor
		got := loadedParams[i].Tensor
		for j := range orig.data {
			if orig.data[j] != got.data[j] {
				t.Fatalf("tensor %s differs at element %d: %g vs %g",
					origParams[i].Name, j, orig.data[j], got.data[j])
			}
		}
	}
}

func TestCheckpointSurvivesFineTuneRestore(t *testing.T) {
	// Saved weights must produce identical logits when reloaded
	model := NewClassifier(testEncoderConfig())
	ids, segs, mask := testInputs()

	before := model.Forward(ids, segs, mask)

	path := filepath.Join(t.TempDir(), "model.bin")
	if err := SaveClassifier(model, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := LoadClassifier(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	after := loaded.Forward(ids, segs, mask)
	for c := 0; c < 3; c++ {
		if before.At(0, c) != after.At(0, c) {
			t.Errorf("logit %d changed across save/load: %g vs %g", c, before.At(0, c), after.At(0, c))
		}
	}
}

func TestLoadClassifierMissingFile(t *testing.T) {
	if _, err := LoadClassifier(filepath.Join(t.TempDir(), "nope.bin")); err == nil {
		t.Error("expected error for missing checkpoint")
	}
}

func TestLoadClassifierTruncated(t *testing.T) {
	model := NewClassifier(testEncoderConfig())
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := SaveClassifier(model, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := os.Truncate(path, 100); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	if _, err := LoadClassifier(path); err == nil {
		t.Error("expected error for truncated checkpoint")
	}
}
