package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewWorkflow = `
name: review
nodes:
  in: {type: input}
  writer:
    type: agent
    name: Writer
    persona: You draft lease summaries.
    requires_approval: true
  critic: {type: critic, persona: You check summaries.}
  out: {type: output}
edges:
  - {source: in, target: writer}
  - {source: writer, target: critic}
  - {source: critic, target: out}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(args, strings.NewReader(stdin), &out, io.Discard)
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeFile(t, "review.yaml", reviewWorkflow)

	out, err := execute(t, "", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "review: ok (4 nodes, inputs in, outputs out)")

	bad := writeFile(t, "bad.yaml", "name: bad\nnodes:\n  a: {type: wizard}\n")
	_, err = execute(t, "", "validate", bad)
	assert.ErrorContains(t, err, `unknown node type "wizard"`)

	_, err = execute(t, "", "validate")
	assert.Error(t, err)
}

func TestRunCommand_ApproveAll(t *testing.T) {
	path := writeFile(t, "review.yaml", reviewWorkflow)

	out, err := execute(t, "", "run", path, "--prompt", "Summarize the lease", "--approve-all", "--log-level", "error")

	require.NoError(t, err)
	assert.Contains(t, out, "workflow review started")
	assert.Contains(t, out, "writer intervention resolved: approve")
	assert.Contains(t, out, "workflow complete: completed")
	assert.Contains(t, out, `"success": true`)
}

func TestRunCommand_PromptsForDecisions(t *testing.T) {
	path := writeFile(t, "review.yaml", reviewWorkflow)

	out, err := execute(t, "maybe\nroute Reviewed by hand.\n", "run", path, "--log-level", "error")

	require.NoError(t, err)
	assert.Contains(t, out, "writer is waiting for approval")
	assert.Contains(t, out, "error:")
	assert.Contains(t, out, `"success": true`)
}

func TestRunCommand_RejectFails(t *testing.T) {
	path := writeFile(t, "review.yaml", reviewWorkflow)

	out, err := execute(t, "reject\n", "run", path, "--json", "--log-level", "error")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "writer")
	assert.Contains(t, out, `"type":"workflow_complete"`)
	assert.Contains(t, out, `"success": false`)
}

func TestRunCommand_Errors(t *testing.T) {
	path := writeFile(t, "review.yaml", reviewWorkflow)

	_, err := execute(t, "", "run", path, "--provider", "carrier-pigeon", "--approve-all")
	assert.ErrorContains(t, err, "unknown provider")

	t.Setenv("OPENAI_API_KEY", "")
	_, err = execute(t, "", "run", path, "--provider", "openai")
	assert.ErrorContains(t, err, "OPENAI_API_KEY")

	_, err = execute(t, "", "run", path, "--log-format", "xml")
	assert.ErrorContains(t, err, "log format")

	cfg := writeFile(t, "settings.yaml", "engine:\n  max_iterations: 0\n")
	_, err = execute(t, "", "run", path, "--config", cfg)
	assert.ErrorContains(t, err, "max_iterations")
}

func TestRunCommand_EnvironmentOverridesConfig(t *testing.T) {
	path := writeFile(t, "review.yaml", reviewWorkflow)
	cfg := writeFile(t, "settings.yaml", "engine:\n  max_iterations: 4\n")

	t.Setenv("AGENTGRAPH_ENGINE__MAX_ITERATIONS", "-1")
	_, err := execute(t, "", "run", path, "--config", cfg, "--approve-all")
	assert.ErrorContains(t, err, "max_iterations")

	t.Setenv("AGENTGRAPH_ENGINE__MAX_ITERATIONS", "2")
	out, err := execute(t, "", "run", path, "--config", cfg, "--approve-all", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, `"success": true`)
}

func TestRunCommand_StdoutTracing(t *testing.T) {
	path := writeFile(t, "review.yaml", reviewWorkflow)
	t.Setenv("AGENTGRAPH_TRACING__EXPORTER", "stdout")

	var out, errOut bytes.Buffer
	err := run([]string{"run", path, "--approve-all", "--log-level", "error"}, strings.NewReader(""), &out, &errOut)

	require.NoError(t, err)
	assert.Contains(t, errOut.String(), "agentgraph.run")
	assert.Contains(t, errOut.String(), "agentgraph.node.writer")
}

func TestRunCommand_BadgerHistory(t *testing.T) {
	path := writeFile(t, "review.yaml", reviewWorkflow)
	dir := filepath.Join(t.TempDir(), "history")
	cfg := writeFile(t, "settings.yaml", "history:\n  backend: badger\n  path: "+dir+"\n")

	out, err := execute(t, "", "run", path, "--config", cfg, "--approve-all", "--log-level", "error")

	require.NoError(t, err)
	assert.Contains(t, out, `"success": true`)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func startServe(t *testing.T, g *globalFlags, f *serveFlags) (string, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cmd := &cobra.Command{}
	cmd.SetErr(io.Discard)

	ready := make(chan string, 1)
	errc := make(chan error, 1)
	go func() { errc <- serve(ctx, cmd, g, f, ready) }()

	select {
	case addr := <-ready:
		return "http://" + addr, func() error {
			cancel()
			select {
			case err := <-errc:
				return err
			case <-time.After(10 * time.Second):
				return context.DeadlineExceeded
			}
		}
	case err := <-errc:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("serve did not start")
	}
	return "", nil
}

func TestServe(t *testing.T) {
	base, shutdown := startServe(t, &globalFlags{logLevel: "error"}, &serveFlags{addr: "127.0.0.1:0", drainPeriod: time.Second})

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, shutdown())
}

func TestServe_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, "settings.yaml", `
server:
  addr: 127.0.0.1:0
log:
  level: error
metrics:
  exporter: none
history:
  path: `+filepath.Join(dir, "history.db")+`
`)

	base, shutdown := startServe(t, &globalFlags{configPath: cfg}, &serveFlags{drainPeriod: time.Second})

	body := `{"workflow": {"name": "w", "nodes": {"in": {"type": "input"}, "out": {"type": "output"}},
		"edges": [{"source": "in", "target": "out"}]}, "prompt": "hello"}`
	resp, err := http.Post(base+"/api/runs?wait=true", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Contains(t, string(data), `"out":"hello"`)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, shutdown())
	_, err = os.Stat(filepath.Join(dir, "history.db"))
	assert.NoError(t, err)
}

func TestServe_ForwardsEventsToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	watcher := client.PSubscribe(ctx, "runs:*")
	defer watcher.Close()
	_, err := watcher.Receive(ctx)
	require.NoError(t, err)

	t.Setenv("AGENTGRAPH_EVENTS__REDIS_ADDR", mr.Addr())
	t.Setenv("AGENTGRAPH_EVENTS__REDIS_CHANNEL", "runs")
	base, shutdown := startServe(t, &globalFlags{logLevel: "error"}, &serveFlags{addr: "127.0.0.1:0", drainPeriod: time.Second})

	body := `{"workflow": {"name": "w", "nodes": {"in": {"type": "input"}, "out": {"type": "output"}},
		"edges": [{"source": "in", "target": "out"}]}, "prompt": "hello", "run_id": "redis-run"}`
	resp, err := http.Post(base+"/api/runs?wait=true", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msg, err := watcher.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "runs:redis-run", msg.Channel)
	assert.Contains(t, msg.Payload, `"run_id":"redis-run"`)

	assert.NoError(t, shutdown())
}

func TestServe_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	t.Setenv("AGENTGRAPH_EVENTS__REDIS_ADDR", addr)

	cmd := &cobra.Command{}
	cmd.SetErr(io.Discard)
	err := serve(context.Background(), cmd, &globalFlags{logLevel: "error"}, &serveFlags{addr: "127.0.0.1:0"}, nil)

	assert.ErrorContains(t, err, "redis events")
}
