package actions

import (
	"encoding/json"
	"time"

	"github.com/ValentinKolb/dSearch/lib/cluster"
	"github.com/ValentinKolb/dSearch/lib/dispatch"
)

// ActionHealth is the wire name of the cluster health action.
const ActionHealth = "cluster/health"

// --------------------------------------------------------------------------
// Request / Response
// --------------------------------------------------------------------------

// HealthRequest asks the coordinator for its view of the cluster. Health is
// deliberately not gated by any block so it stays answerable while the
// cluster is recovering or read-only.
type HealthRequest struct {
	// TimeoutMS is the coordinator-wait budget in milliseconds
	TimeoutMS int64 `json:"timeout_ms"`
}

func (r *HealthRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

func (r *HealthRequest) MarshalPayload() ([]byte, error) {
	return json.Marshal(r)
}

// HealthResponse is the coordinator's snapshot summary.
type HealthResponse struct {
	Coordinator cluster.NodeID    `json:"coordinator"`
	ReportedBy  cluster.NodeID    `json:"reported_by"`
	Version     uint64            `json:"version"`
	Members     []cluster.NodeID  `json:"members"`
	Blocks      []cluster.Block   `json:"blocks,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
}

// --------------------------------------------------------------------------
// Dispatcher Factory
// --------------------------------------------------------------------------

// NewHealthDispatcher creates the dispatcher for the health action.
func NewHealthDispatcher(source cluster.ISource, forwarder dispatch.IForwarder) (*dispatch.Dispatcher, error) {
	return dispatch.NewDispatcher(dispatch.Definition{
		Name:     ActionHealth,
		Executor: &dispatch.GoExecutor{},
		Handler: func(task *dispatch.Task, req dispatch.IRequest, state cluster.State, l dispatch.IListener) {
			members := make([]cluster.NodeID, 0, len(state.Nodes.Members))
			for id := range state.Nodes.Members {
				members = append(members, id)
			}

			l.OnResponse(&HealthResponse{
				Coordinator: state.Nodes.CoordinatorID,
				ReportedBy:  state.Nodes.LocalID,
				Version:     state.Version,
				Members:     members,
				Blocks:      state.Blocks,
				Settings:    state.Settings,
			})
		},
	}, source, forwarder)
}
