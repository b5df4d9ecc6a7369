package actions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSearch/lib/cluster"
	"github.com/ValentinKolb/dSearch/lib/dispatch"
	"github.com/ValentinKolb/dSearch/lib/replication"
)

// ActionStartTransfer is the wire name of the segment transfer action.
const ActionStartTransfer = "replication/transfer"

// --------------------------------------------------------------------------
// Request
// --------------------------------------------------------------------------

// StartTransferRequest starts a segment file transfer from the local node to
// a replica target. The transfer always runs on the node that owns the
// files, never on the coordinator, so the action forces local execution.
type StartTransferRequest struct {
	Transfer replication.TransferRequest `json:"transfer"`
	// TimeoutMS is the budget in milliseconds
	TimeoutMS int64 `json:"timeout_ms"`
}

func (r *StartTransferRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

func (r *StartTransferRequest) MarshalPayload() ([]byte, error) {
	return json.Marshal(r)
}

// --------------------------------------------------------------------------
// Dispatcher Factory
// --------------------------------------------------------------------------

// NewTransferDispatcher creates the dispatcher for the transfer action. The
// read-only block does not apply: replication reads segment files, it never
// mutates them.
func NewTransferDispatcher(handler *replication.SourceHandler, source cluster.ISource, executor dispatch.IExecutor) (*dispatch.Dispatcher, error) {
	return dispatch.NewDispatcher(dispatch.Definition{
		Name:     ActionStartTransfer,
		Executor: executor,
		LocalOnly: func(req dispatch.IRequest) bool {
			return true
		},
		CheckBlock: func(req dispatch.IRequest, state cluster.State) error {
			if _, ok := req.(*StartTransferRequest); !ok {
				return fmt.Errorf("unexpected request type %T", req)
			}
			if state.HasBlock(cluster.BlockStateNotRecovered) {
				return cluster.NewBlockError(cluster.BlockStateNotRecovered)
			}
			return nil
		},
		Handler: func(task *dispatch.Task, req dispatch.IRequest, state cluster.State, l dispatch.IListener) {
			request, ok := req.(*StartTransferRequest)
			if !ok {
				l.OnFailure(fmt.Errorf("unexpected request type %T", req))
				return
			}
			handler.SendFiles(request.Transfer, l)
		},
	}, source, nil)
}
