package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/me/gowps/pkg/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestOGCProvider(t *testing.T) {
	var execBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /processes/ndvi/execution", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "respond-async", r.Header.Get("Prefer"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&execBody))
		w.Header().Set("Location", "/jobs/r-42")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /jobs/r-42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jobID":"r-42","status":"running","progress":40,"message":"tiling"}`)
	})
	mux.HandleFunc("GET /jobs/r-42/results", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"mean":{"value":0.42},"map":{"href":"http://remote/map.tif","type":"image/tiff"},"n":3}`)
	})
	mux.HandleFunc("DELETE /jobs/r-42", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	p := NewOGCProvider(ts.URL+"/", ProviderOptions{HTTPClient: ts.Client(), Token: "secret"})
	ctx := context.Background()

	id, err := p.Submit(ctx, Submission{
		JobID:     "job_1",
		ProcessID: "ndvi",
		Inputs:    map[string]any{"scene": map[string]any{"href": "http://data/scene.tif"}},
		Outputs:   []model.OutputRequest{{ID: "map", Transmission: model.TransmissionReference}},
	})
	require.NoError(t, err)
	require.Equal(t, "r-42", id)
	require.Equal(t, "document", execBody["response"])
	require.Equal(t, map[string]any{"map": map[string]any{"transmissionMode": "reference"}}, execBody["outputs"])

	st, err := p.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, Status{State: "running", Progress: 40, Message: "tiling"}, st)

	res, err := p.Results(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 0.42, res["mean"])
	require.Equal(t, "http://remote/map.tif", res["map"].(map[string]any)["href"])
	require.Equal(t, float64(3), res["n"])

	require.NoError(t, p.Dismiss(ctx, id), "unknown remote job counts as dismissed")

	logs, err := p.Logs(ctx, id)
	require.NoError(t, err)
	require.Empty(t, logs)

	_, err = p.Status(ctx, "missing")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusNotFound, se.StatusCode)
	require.False(t, IsTransient(err))
}

type fakeRPC struct {
	calls   []string
	results map[string]string
	err     error
}

func (f *fakeRPC) Call(_ context.Context, method string, params []any) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.results[method]), nil
}

func TestAppServiceProvider(t *testing.T) {
	rpc := &fakeRPC{results: map[string]string{
		"AppService.start_app":     `[{"id": 1234, "status": "queued"}]`,
		"AppService.query_tasks":   `[{"1234": {"id": "1234", "status": "completed", "output_path": "/alice@x/home/run", "output_file": "asm"}}]`,
		"AppService.kill_task":     `[1]`,
		"AppService.query_app_log": `"line one\nline two\n"`,
	}}
	p := NewAppServiceProvider(rpc, "un=alice@x|tokenid=abc|expiry=4102444800", nil)
	ctx := context.Background()

	id, err := p.Submit(ctx, Submission{
		JobID:     "job_2",
		ProcessID: "GenomeAssembly2",
		Inputs:    map[string]any{"reads": map[string]any{"href": "/alice@x/home/reads.fq"}, "recipe": "auto"},
	})
	require.NoError(t, err)
	require.Equal(t, "1234", id)

	st, err := p.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "completed", st.State)

	res, err := p.Results(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "/alice@x/home/run/.asm", res["output_path"])

	logs, err := p.Logs(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", logs)

	require.NoError(t, p.Dismiss(ctx, id))

	st, err = p.Status(ctx, "9999")
	require.NoError(t, err)
	require.Equal(t, "queued", st.State, "unlisted task")

	require.Equal(t, []string{
		"AppService.start_app", "AppService.query_tasks", "AppService.query_tasks",
		"AppService.query_app_log", "AppService.kill_task", "AppService.query_tasks",
	}, rpc.calls)

	noUser := NewAppServiceProvider(rpc, "", nil)
	_, err = noUser.Submit(ctx, Submission{JobID: "job_3", ProcessID: "x"})
	require.Error(t, err)
}

func TestHTTPRPCCaller(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "1.1", req.Version)
		require.Equal(t, "tok", r.Header.Get("Authorization"))
		switch req.Method {
		case "AppService.ok":
			fmt.Fprintf(w, `{"id":%q,"result":["fine"]}`, req.ID)
		case "AppService.fault":
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, `{"id":%q,"error":{"name":"JSONRPCError","code":-32603,"message":"bad app"}}`, req.ID)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer ts.Close()

	c := NewHTTPRPCCaller(ts.URL, "tok", ts.Client(), nil)
	ctx := context.Background()

	res, err := c.Call(ctx, "AppService.ok", nil)
	require.NoError(t, err)
	require.JSONEq(t, `["fine"]`, string(res))

	_, err = c.Call(ctx, "AppService.fault", nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32603, rpcErr.Code)
	require.False(t, IsTransient(err))

	_, err = c.Call(ctx, "AppService.other", nil)
	require.True(t, IsTransient(err), "502 is retried")
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(&StatusError{StatusCode: 503}))
	require.True(t, IsTransient(&StatusError{StatusCode: 429}))
	require.False(t, IsTransient(&StatusError{StatusCode: 400}))
	require.True(t, IsTransient(fmt.Errorf("poll: %w", context.DeadlineExceeded)))
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(errors.New("bad input")))
}

func TestParseToken(t *testing.T) {
	info := ParseToken("un=alice@x|tokenid=abc|expiry=1700000000|sig=zz")
	require.Equal(t, "alice@x", info.Username)
	require.True(t, info.Expired(time.Unix(1700000001, 0)))
	require.False(t, info.Expired(time.Unix(1600000000, 0)))
	require.False(t, ParseToken("garbage").Expired(time.Now()))
}
