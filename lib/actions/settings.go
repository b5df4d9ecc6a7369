package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSearch/lib/cluster"
	"github.com/ValentinKolb/dSearch/lib/cluster/dsource"
	"github.com/ValentinKolb/dSearch/lib/dispatch"
	"github.com/ValentinKolb/dSearch/lib/translog"
)

// ActionUpdateSettings is the wire name of the settings update action.
const ActionUpdateSettings = "cluster/settings/update"

// --------------------------------------------------------------------------
// Request / Response
// --------------------------------------------------------------------------

// UpdateSettingsRequest applies a partial settings update cluster-wide. An
// empty value deletes the setting.
type UpdateSettingsRequest struct {
	Settings map[string]string `json:"settings"`
	// TimeoutMS is the coordinator-wait budget in milliseconds
	TimeoutMS int64 `json:"timeout_ms"`
}

func (r *UpdateSettingsRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

func (r *UpdateSettingsRequest) MarshalPayload() ([]byte, error) {
	return json.Marshal(r)
}

// UpdateSettingsResponse acknowledges an applied update.
type UpdateSettingsResponse struct {
	Acknowledged bool `json:"acknowledged"`
	// SeqNo is the journal sequence number assigned to the update
	SeqNo uint64 `json:"seq_no"`
}

// --------------------------------------------------------------------------
// Collaborator Contracts
// --------------------------------------------------------------------------

// ISettingsProposer replicates a settings command through the metadata
// shard. Implementations must translate consensus-level failures into
// dispatch error types: a lost leadership into *dispatch.NotCoordinatorError,
// a failed or timed out proposal into *dispatch.FailedToCommitError.
type ISettingsProposer interface {
	Propose(cmd *dsource.SettingsCommand, timeout time.Duration) error
}

// --------------------------------------------------------------------------
// Dispatcher Factory
// --------------------------------------------------------------------------

// SettingsAction owns the journal sequence counter of the settings action.
type SettingsAction struct {
	translog translog.ITranslogManager
	proposer ISettingsProposer
	seqNo    atomic.Uint64
}

// NewSettingsAction creates the settings action. lastSeqNo is the highest
// sequence number already journaled (zero for a fresh log), assignment
// continues after it.
func NewSettingsAction(tl translog.ITranslogManager, proposer ISettingsProposer, lastSeqNo uint64) *SettingsAction {
	a := &SettingsAction{
		translog: tl,
		proposer: proposer,
	}
	a.seqNo.Store(lastSeqNo)
	return a
}

// NewDispatcher creates the dispatcher for the settings update action. The
// update is blocked while cluster state recovery is pending, the read-only
// block deliberately does not apply so a read-only cluster can be unlocked
// again.
func (a *SettingsAction) NewDispatcher(source cluster.ISource, forwarder dispatch.IForwarder, executor dispatch.IExecutor) (*dispatch.Dispatcher, error) {
	return dispatch.NewDispatcher(dispatch.Definition{
		Name:     ActionUpdateSettings,
		Executor: executor,
		CheckBlock: func(req dispatch.IRequest, state cluster.State) error {
			if _, ok := req.(*UpdateSettingsRequest); !ok {
				return fmt.Errorf("unexpected request type %T", req)
			}
			if state.HasBlock(cluster.BlockStateNotRecovered) {
				return cluster.NewBlockError(cluster.BlockStateNotRecovered)
			}
			return nil
		},
		Handler: a.handle,
	}, source, forwarder)
}

// handle journals the update, replicates it through the metadata shard and
// acknowledges. It runs on the coordinator.
func (a *SettingsAction) handle(task *dispatch.Task, req dispatch.IRequest, state cluster.State, l dispatch.IListener) {
	request, ok := req.(*UpdateSettingsRequest)
	if !ok {
		l.OnFailure(fmt.Errorf("unexpected request type %T", req))
		return
	}
	if len(request.Settings) == 0 {
		l.OnFailure(errors.New("no settings provided"))
		return
	}

	cmd := &dsource.SettingsCommand{Settings: request.Settings}
	data, err := cmd.Serialize()
	if err != nil {
		l.OnFailure(fmt.Errorf("failed to serialize settings command: %v", err))
		return
	}

	// Journal before proposing so a crashed coordinator can replay the
	// update after restart
	seqNo := a.seqNo.Add(1)
	loc, err := a.translog.Add(translog.Operation{SeqNo: seqNo, Data: data})
	if err != nil {
		l.OnFailure(fmt.Errorf("failed to journal settings update: %v", err))
		return
	}
	if _, err := a.translog.EnsureSynced([]translog.Location{loc}); err != nil {
		l.OnFailure(fmt.Errorf("failed to sync settings journal: %v", err))
		return
	}

	if err := a.proposer.Propose(cmd, request.Timeout()); err != nil {
		// Coordinator-change failures pass through untouched so the
		// dispatcher can park and retry after the next election
		l.OnFailure(err)
		return
	}

	l.OnResponse(&UpdateSettingsResponse{Acknowledged: true, SeqNo: seqNo})
}
