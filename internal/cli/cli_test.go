package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/gowps/internal/dispatch"
	"github.com/me/gowps/internal/jobs"
	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/queue"
	"github.com/me/gowps/internal/registry"
	"github.com/me/gowps/internal/results"
	"github.com/me/gowps/internal/server"
	"github.com/me/gowps/internal/staging"
	"github.com/me/gowps/internal/store"
	"github.com/me/gowps/internal/vault"
	"github.com/me/gowps/pkg/model"
	"github.com/stretchr/testify/require"
)

const echoCWL = `cwlVersion: v1.2
class: CommandLineTool
id: echo
label: Echo a message
baseCommand: echo
inputs:
  message:
    type: string
    inputBinding: {position: 1}
outputs:
  out: {type: stdout}
stdout: out.txt
`

type testServer struct {
	url  string
	jobs *jobs.Manager
}

// startTestServer starts a server with an in-memory SQLite store.
func startTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	q := queue.NewMemory()
	mgr := jobs.NewManager(st, nil, jobs.WithQueue(q))
	reg := registry.New(st, nil, registry.WithJobCanceller(mgr))
	resolver := staging.New(staging.Options{Root: t.TempDir()}, nil)
	srv := server.New(server.Config{}, server.Deps{
		Store:      st,
		Registry:   reg,
		Dispatcher: dispatch.New(reg, resolver, mgr, q, dispatch.Config{}, nil),
		Jobs:       mgr,
		Results:    results.New(mgr, st, results.NewLocalStore(t.TempDir(), "/api/v1"), nil),
		Vault:      vault.New(st, t.TempDir(), vault.Options{}, nil),
		Queue:      q,
	}, logging.Discard())

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testServer{url: ts.URL, jobs: mgr}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func deployEcho(t *testing.T, ts *testServer) {
	t.Helper()
	pkg := writeFile(t, t.TempDir(), "echo.cwl", echoCWL)
	out, err := runCLI(t, "--server", ts.url, "--user", "alice", "deploy", pkg)
	require.NoError(t, err, out)
	require.Contains(t, out, "Process deployed: echo (version 1.0.0, backend cwl)")
}

func executeEcho(t *testing.T, ts *testServer) string {
	t.Helper()
	inputs := writeFile(t, t.TempDir(), "job.yml", "message: hello\n")
	out, err := runCLI(t, "--server", ts.url, "--user", "alice", "execute", "echo", "-i", inputs)
	require.NoError(t, err, out)
	require.Contains(t, out, "Job created: job_")
	line := strings.Fields(out)
	return line[2]
}

func TestDeployAndDescribe(t *testing.T) {
	ts := startTestServer(t)
	deployEcho(t, ts)

	out, err := runCLI(t, "--server", ts.url, "processes")
	require.NoError(t, err)
	require.Contains(t, out, "PROCESS ID")
	require.Contains(t, out, "echo")

	out, err = runCLI(t, "--server", ts.url, "describe", "echo")
	require.NoError(t, err)
	require.Contains(t, out, "Process: echo (version 1.0.0)")
	require.Contains(t, out, "- message: string (1..1)")
	require.Contains(t, out, "Outputs:")

	pkg := writeFile(t, t.TempDir(), "echo.cwl", echoCWL)
	out, err = runCLI(t, "--server", ts.url, "--user", "alice", "deploy", pkg, "--update", "echo")
	require.NoError(t, err, out)
	require.Contains(t, out, "version 1.1.0")

	_, err = runCLI(t, "--server", ts.url, "--user", "bob", "undeploy", "echo")
	require.Error(t, err)

	out, err = runCLI(t, "--server", ts.url, "--user", "alice", "undeploy", "echo")
	require.NoError(t, err)
	require.Contains(t, out, "Process echo undeployed")
}

func TestDeploy_MissingFile(t *testing.T) {
	ts := startTestServer(t)
	_, err := runCLI(t, "--server", ts.url, "deploy", "nonexistent.cwl")
	require.Error(t, err)
}

func TestExecuteStatusAndDismiss(t *testing.T) {
	ts := startTestServer(t)
	deployEcho(t, ts)
	id := executeEcho(t, ts)

	out, err := runCLI(t, "--server", ts.url, "--user", "alice", "jobs")
	require.NoError(t, err)
	require.Contains(t, out, id)
	require.Contains(t, out, "accepted")

	out, err = runCLI(t, "--server", ts.url, "--user", "alice", "status", id, "--history")
	require.NoError(t, err)
	require.Contains(t, out, "Status:   accepted")
	require.Contains(t, out, "- -> accepted (client)")

	out, err = runCLI(t, "--server", ts.url, "--user", "alice", "dismiss", id)
	require.NoError(t, err)
	require.Contains(t, out, "dismissed")

	out, err = runCLI(t, "--server", ts.url, "--user", "alice", "logs", id)
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = runCLI(t, "--server", ts.url, "--user", "alice", "results", id)
	require.ErrorContains(t, err, "dismissed")
}

func TestResults(t *testing.T) {
	ts := startTestServer(t)
	deployEcho(t, ts)
	id := executeEcho(t, ts)

	ctx := context.Background()
	rep := jobs.NewLocalReporter(ts.jobs, "w1")
	_, err := rep.Report(ctx, id, jobs.Report{Status: model.JobStatusRunning})
	require.NoError(t, err)
	_, err = rep.Report(ctx, id, jobs.Report{
		Status:  model.JobStatusSucceeded,
		Results: []model.OutputReference{{ID: "count", Value: 3}},
	})
	require.NoError(t, err)

	out, err := runCLI(t, "--server", ts.url, "--user", "alice", "results", id)
	require.NoError(t, err)
	require.Contains(t, out, "count = 3")
}

func TestUpload(t *testing.T) {
	ts := startTestServer(t)
	f := writeFile(t, t.TempDir(), "table.csv", "a,b\n1,2\n")

	out, err := runCLI(t, "--server", ts.url, "upload", f)
	require.NoError(t, err)
	require.Contains(t, out, "Uploaded table.csv (8 B)")
	require.Contains(t, out, "Href:    vault://")
}

func TestUploadLocalFiles(t *testing.T) {
	ts := startTestServer(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "x")

	client = NewClient(ts.url, logging.Discard())
	logger = logging.Discard()
	got, err := uploadLocalFiles([]any{
		map[string]any{"class": "File", "path": "a.txt"},
		map[string]any{"class": "File", "location": "https://example.org/b.txt"},
		"literal",
	}, dir)
	require.NoError(t, err)

	items := got.([]any)
	ref := items[0].(map[string]any)
	require.True(t, strings.HasPrefix(ref["href"].(string), "vault://"))
	require.NotEmpty(t, ref["token"])
	require.Equal(t, map[string]any{"href": "https://example.org/b.txt"}, items[1])
	require.Equal(t, "literal", items[2])

	_, err = uploadLocalFiles(map[string]any{"class": "File"}, dir)
	require.Error(t, err)
}

func TestLogin(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GOWPS_USER", "")
	out, err := runCLI(t, "login", "--as", "carol")
	require.NoError(t, err)
	require.Contains(t, out, "Credentials saved")
	require.Equal(t, "carol", LoadUser())
}
