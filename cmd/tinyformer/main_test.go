package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/tinyformer/internal/checkpoint"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	argv := append([]string{"tinyformer", "--log-level", "error"}, args...)
	if err := app.Run(context.Background(), argv); err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestTrainGenerateEval(t *testing.T) {
	dir := t.TempDir()
	corpus := writeFile(t, dir, "corpus.txt", strings.Repeat("hello tiny world. ", 20))
	cfg := writeFile(t, dir, "run.yaml", `
model:
  max_seq_len: 8
  model_size: 16
  heads: 2
  layers: 1
train:
  max_iters: 4
  eval_interval: 2
  eval_iters: 1
  log_interval: 1
data:
  batch_size: 2
  sample_tokens: 5
`)
	out := filepath.Join(dir, "out")

	run(t, "train", "--config", cfg, "--data", corpus, "--out-dir", out)
	runDir := filepath.Join(out, "tinyformer_v1")
	ckpt := filepath.Join(runDir, "step_3.safetensors")
	if _, err := os.Stat(ckpt); err != nil {
		t.Fatalf("final checkpoint: %v", err)
	}
	logs, err := filepath.Glob(filepath.Join(runDir, "metrics-*.jsonl"))
	if err != nil || len(logs) != 1 {
		t.Fatalf("metrics files %v (%v)", logs, err)
	}

	got := run(t, "generate", "--checkpoint", ckpt, "--prompt", "hel", "--tokens", "4")
	if !strings.HasPrefix(got, "hel") {
		t.Fatalf("generation %q does not continue the prompt", got)
	}

	got = run(t, "eval", "--checkpoint", ckpt, "--data", corpus, "--batches", "2", "--batch-size", "2")
	if !strings.HasPrefix(got, "loss: ") || !strings.Contains(got, "step 3") {
		t.Fatalf("eval output %q", got)
	}

	run(t, "train", "--config", cfg, "--data", corpus, "--out-dir", out, "--resume", "--max-iters", "6")
	if _, err := os.Stat(filepath.Join(runDir, "step_5.safetensors")); err != nil {
		t.Fatalf("resumed run did not continue: %v", err)
	}
}

func TestTrainRequiresData(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}
	err := app.Run(context.Background(), []string{"tinyformer", "--log-level", "error", "train"})
	if err == nil || !strings.Contains(err.Error(), "--data") {
		t.Fatalf("expected a missing data error, got %v", err)
	}
}

func TestInfoJSON(t *testing.T) {
	var got struct {
		Device   map[string]any `json:"device"`
		Defaults RunFile        `json:"defaults"`
	}
	if err := json.Unmarshal([]byte(run(t, "info", "--json")), &got); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if got.Defaults != defaultRunFile() {
		t.Fatalf("defaults %+v", got.Defaults)
	}
	if got.Device["simd"] == "" {
		t.Fatalf("device %v", got.Device)
	}
}

func TestVersion(t *testing.T) {
	if out := run(t, "version"); !strings.HasPrefix(out, "version:") {
		t.Fatalf("version output %q", out)
	}
}

func TestResumeFromEvaluationCheckpoint(t *testing.T) {
	dir := t.TempDir()
	corpus := writeFile(t, dir, "corpus.txt", strings.Repeat("hello tiny world. ", 20))
	cfg := writeFile(t, dir, "run.yaml", `
model:
  max_seq_len: 8
  model_size: 16
  heads: 2
  layers: 1
train:
  max_iters: 4
  eval_interval: 2
  eval_iters: 1
data:
  batch_size: 2
  sample_tokens: 0
`)
	out := filepath.Join(dir, "out")
	run(t, "train", "--config", cfg, "--data", corpus, "--out-dir", out)

	// Leave the step 2 evaluation checkpoint as the latest, as after a
	// crash before the final save.
	runDir := filepath.Join(out, "tinyformer_v1")
	leftovers, _ := filepath.Glob(filepath.Join(runDir, "metrics-*.jsonl"))
	for _, p := range append(leftovers, filepath.Join(runDir, "step_3.safetensors")) {
		if err := os.Remove(p); err != nil {
			t.Fatal(err)
		}
	}
	st, err := checkpoint.LoadFile(filepath.Join(runDir, "step_2.safetensors"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Step != 2 || st.Next != 2 {
		t.Fatalf("evaluation checkpoint step %d next %d, want 2 and 2", st.Step, st.Next)
	}

	run(t, "train", "--config", cfg, "--data", corpus, "--out-dir", out, "--resume")
	logs, _ := filepath.Glob(filepath.Join(runDir, "metrics-*.jsonl"))
	if len(logs) != 1 {
		t.Fatalf("metrics files %v", logs)
	}
	raw, err := os.ReadFile(logs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"name":"train/loss","step":2`) {
		t.Fatalf("resumed run did not evaluate step 2:\n%s", raw)
	}
	final, err := checkpoint.LoadFile(filepath.Join(runDir, "step_3.safetensors"))
	if err != nil {
		t.Fatalf("final checkpoint: %v", err)
	}
	if final.Next != 4 {
		t.Fatalf("final checkpoint resumes at %d, want 4", final.Next)
	}
}

func TestSampleSeed(t *testing.T) {
	if got := sampleSeed(1337, 0); got != 1337 {
		t.Fatalf("fresh run seed %d, want 1337", got)
	}
	a, b := sampleSeed(1337, 500), sampleSeed(1337, 1000)
	if a == 1337 || a == b || a != sampleSeed(1337, 500) {
		t.Fatalf("resume seeds %d and %d", a, b)
	}
}
