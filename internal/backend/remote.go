package backend

import (
	"context"

	"github.com/me/gowps/internal/remote"
	"github.com/me/gowps/pkg/model"
)

// Remote delegates units to a remote execution service through the
// delegation adapter.
type Remote struct {
	adapter *remote.Adapter
}

// NewRemote creates a remote backend.
func NewRemote(adapter *remote.Adapter) *Remote {
	return &Remote{adapter: adapter}
}

func (r *Remote) Kind() model.BackendKind { return model.BackendRemote }

func (r *Remote) Run(ctx context.Context, unit *model.ExecutionUnit, sink Sink) (*Outcome, error) {
	res, err := r.adapter.Run(ctx, unit, sink.stdout())
	if err != nil {
		return nil, err
	}
	out := &Outcome{Outputs: res.Outputs, RemoteJobID: res.RemoteJobID, Errors: res.Errors}
	if res.Status != model.JobStatusSucceeded && len(out.Errors) == 0 {
		out.Errors = failed(remote.ErrorRemoteFailed, "remote job ended %s: %s", res.Status, res.Message).Errors
	}
	return out, nil
}
