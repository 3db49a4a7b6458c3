package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os/exec"
	"time"

	"github.com/waveloc/api/internal/config"
)

// Predictor runs the localization routine: input capture plus model
// artifact in, one 2D coordinate out. The routine itself is an opaque
// external collaborator.
type Predictor interface {
	Run(ctx context.Context, dataPath, modelPath string) (x, y float64, err error)
}

// ScriptPredictor shells out to the localization script, which prints a
// JSON object {"x": ..., "y": ...} on stdout.
type ScriptPredictor struct {
	python  string
	script  string
	timeout time.Duration
}

func NewScriptPredictor(cfg *config.PredictorConfig) *ScriptPredictor {
	return &ScriptPredictor{
		python:  cfg.Python,
		script:  cfg.Script,
		timeout: time.Duration(cfg.Timeout) * time.Second,
	}
}

func (p *ScriptPredictor) IsConfigured() bool {
	return p.script != ""
}

func (p *ScriptPredictor) Run(ctx context.Context, dataPath, modelPath string) (float64, float64, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.python, p.script,
		"--data_path", dataPath,
		"--model_path", modelPath,
	)
	out, err := cmd.Output()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return 0, 0, fmt.Errorf("prediction timed out after %s", p.timeout)
		}
		return 0, 0, fmt.Errorf("prediction script failed: %w", err)
	}

	var res struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, 0, fmt.Errorf("malformed prediction output: %w", err)
	}
	return res.X, res.Y, nil
}

// MockPredictor stands in when no script is configured, for development
// and tests. It returns a stable pseudo-random coordinate after a short
// simulated run.
type MockPredictor struct {
	Delay time.Duration
}

func (p *MockPredictor) Run(ctx context.Context, _, _ string) (float64, float64, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
	return rand.Float64() * 10, rand.Float64() * 10, nil
}
