package sandbox

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/client"

	"provider/internal/config"
	"provider/internal/job"
	"provider/internal/workspace"
)

const integrationTimeout = 3 * time.Minute

// IntegrationHarness 管理真实 Docker 环境下的测试资源
type IntegrationHarness struct {
	t            *testing.T
	dockerClient *client.Client
	materializer *workspace.Materializer
	runner       *Runner
	sink         *recordingSink
}

func NewIntegrationHarness(t *testing.T) *IntegrationHarness {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Fatalf("Failed to create Docker client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := dockerClient.Ping(ctx); err != nil {
		dockerClient.Close()
		t.Skipf("Docker daemon is not available: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cfg := ConfigFrom(config.Default().Sandbox)
	cfg.Timeout = time.Minute
	sink := &recordingSink{}

	h := &IntegrationHarness{
		t:            t,
		dockerClient: dockerClient,
		materializer: workspace.NewMaterializer(t.TempDir(), logger),
		runner:       NewRunner(dockerClient, cfg, sink, logger),
		sink:         sink,
	}
	t.Cleanup(h.Cleanup)
	return h
}

func (h *IntegrationHarness) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := h.runner.ReapOrphans(ctx); err != nil {
		h.t.Logf("Failed to reap sandboxes: %v", err)
	}
	h.dockerClient.Close()
}

func (h *IntegrationHarness) run(jobID, code string) job.Result {
	h.t.Helper()
	ws, err := h.materializer.Materialize(jobID, code)
	if err != nil {
		h.t.Fatalf("Materialize failed: %v", err)
	}
	defer ws.Remove()

	ctx, cancel := context.WithTimeout(context.Background(), integrationTimeout)
	defer cancel()
	return h.runner.Run(ctx, ws)
}

func TestIntegrationSingleFile(t *testing.T) {
	h := NewIntegrationHarness(t)

	res := h.run("it-single", `print("hello")`)

	if res.Outcome != job.OutcomeCompleted {
		t.Fatalf("Expected completed, got %+v", res)
	}
	if strings.TrimSpace(res.Logs) != "hello" {
		t.Errorf("Expected logs hello, got %q", res.Logs)
	}
}

func TestIntegrationMultiFile(t *testing.T) {
	h := NewIntegrationHarness(t)

	res := h.run("it-multi", `{"main.py":{"content":"import util\nprint(util.X)"},"util.py":{"content":"X = 42"}}`)

	if res.Outcome != job.OutcomeCompleted {
		t.Fatalf("Expected completed, got %+v", res)
	}
	if strings.TrimSpace(res.Logs) != "42" {
		t.Errorf("Expected logs 42, got %q", res.Logs)
	}
}

func TestIntegrationNonZeroExit(t *testing.T) {
	h := NewIntegrationHarness(t)

	res := h.run("it-exit", "import sys\nprint('bye')\nsys.exit(4)")

	if res.Outcome != job.OutcomeFailed || res.ExitCode != 4 {
		t.Fatalf("Expected failure with exit 4, got %+v", res)
	}
	if !strings.Contains(res.Logs, "Execution failed with exit code 4") {
		t.Errorf("Expected exit marker, got %q", res.Logs)
	}
}

func TestIntegrationNoNetwork(t *testing.T) {
	h := NewIntegrationHarness(t)

	code := "import socket\nsocket.create_connection(('1.1.1.1', 53), timeout=3)\nprint('reached')"
	res := h.run("it-net", code)

	if res.Outcome != job.OutcomeFailed {
		t.Fatalf("Expected network access to fail, got %+v", res)
	}
	if strings.Contains(res.Logs, "reached") {
		t.Errorf("Sandbox reached the network: %q", res.Logs)
	}
}

func TestIntegrationWorkspaceIsReadOnly(t *testing.T) {
	h := NewIntegrationHarness(t)

	res := h.run("it-ro", "open('/app/out.txt', 'w').write('x')")

	if res.Outcome != job.OutcomeFailed {
		t.Fatalf("Expected write to the workspace to fail, got %+v", res)
	}
}
