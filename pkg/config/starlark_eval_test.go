package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStarlarkEvaluator_Output(t *testing.T) {
	se := NewStarlarkEvaluator(time.Second, zerolog.Nop())

	script := `
pair = (1, "a")
info = struct(name = "sdxl", size = 2)
_private = 3
nothing = None

def helper():
    return 1

count = helper() + len(facts["gpus"])
print("evaluated")
`
	input := map[string]interface{}{
		"facts": map[string]interface{}{
			"gpus": []map[string]interface{}{{"vendor": "nvidia"}},
		},
	}

	res, err := se.Evaluate(context.Background(), "test.star", script, input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	pair, ok := res.Output["pair"].([]interface{})
	if !ok || len(pair) != 2 || pair[0] != int64(1) || pair[1] != "a" {
		t.Errorf("pair = %#v", res.Output["pair"])
	}
	info, ok := res.Output["info"].(map[string]interface{})
	if !ok || info["name"] != "sdxl" || info["size"] != int64(2) {
		t.Errorf("info = %#v", res.Output["info"])
	}
	if res.Output["count"] != int64(2) {
		t.Errorf("count = %#v", res.Output["count"])
	}
	if v, ok := res.Output["nothing"]; !ok || v != nil {
		t.Errorf("nothing = %#v", v)
	}
	if _, ok := res.Output["_private"]; ok {
		t.Error("private globals must not be exported")
	}
	if _, ok := res.Output["helper"]; ok {
		t.Error("functions must not be exported")
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	se := NewStarlarkEvaluator(50*time.Millisecond, zerolog.Nop())

	script := `
def spin():
    n = 0
    for i in range(2000000000):
        n += 1
    return n

x = spin()
`
	_, err := se.Evaluate(context.Background(), "spin.star", script, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestStarlarkEvaluator_Errors(t *testing.T) {
	se := NewStarlarkEvaluator(time.Second, zerolog.Nop())

	if _, err := se.Evaluate(context.Background(), "bad.star", "x = ", nil); err == nil {
		t.Error("Expected syntax error")
	}
	if _, err := se.Evaluate(context.Background(), "bad.star", "x = {1: 2}", nil); err == nil {
		t.Error("Expected error for non-string dict keys")
	}
	if _, err := se.Evaluate(context.Background(), "in.star", "x = 1", map[string]interface{}{"ch": make(chan int)}); err == nil {
		t.Error("Expected error for unsupported input type")
	}
}
