package onnx

import (
	"context"
	"strings"
	"testing"
)

func TestRunnerRejectsMissingInput(t *testing.T) {
	r := &Runner{
		name: GraphLLMStep,
		meta: Session{
			Name: GraphLLMStep,
			Inputs: []NodeInfo{
				{Name: "inputs_embeds", DType: "float"},
				{Name: "past_kv", DType: "float"},
			},
		},
	}

	_, err := r.Run(context.Background(), map[string]*Tensor{
		"inputs_embeds": tensorOf([]float32{0, 0, 0, 0}, 1, 1, 4),
	})
	if err == nil || !strings.Contains(err.Error(), `"past_kv"`) {
		t.Fatalf("err = %v; want missing past_kv", err)
	}
}

func TestRunnerCloseIsIdempotent(t *testing.T) {
	r := &Runner{name: "x"}
	r.Close()
	r.Close()

	if r.Name() != "x" {
		t.Fatalf("Name = %q; want x", r.Name())
	}
}

func TestOutputLookup(t *testing.T) {
	outputs := map[string]*Tensor{"logits": tensorOf([]float32{1}, 1)}

	if _, err := output(outputs, GraphLLMStep, "logits"); err != nil {
		t.Fatalf("output(logits): %v", err)
	}

	_, err := output(outputs, GraphLLMStep, "present_kv")
	if err == nil || !strings.Contains(err.Error(), "llm_step: missing \"present_kv\"") {
		t.Fatalf("err = %v; want missing present_kv", err)
	}
}
