package actions

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dSearch/lib/dispatch"
	"github.com/ValentinKolb/dSearch/lib/replication"
	"github.com/ValentinKolb/dSearch/rpc/forward"
)

// --------------------------------------------------------------------------
// Registry Contract
// --------------------------------------------------------------------------

// IActionRegistry is implemented by the RPC server: it maps wire action
// names to payload handlers.
type IActionRegistry interface {
	Register(action string, handle func(payload []byte) ([]byte, error))
}

// Dispatchers bundles the dispatchers of all built-in actions.
type Dispatchers struct {
	Health   *dispatch.Dispatcher
	Settings *dispatch.Dispatcher
	Transfer *dispatch.Dispatcher
}

// taskID hands out process-wide unique task ids
var taskID atomic.Uint64

// NewTask creates a task for a fresh submission.
func NewTask() *dispatch.Task {
	return &dispatch.Task{ID: taskID.Add(1)}
}

// --------------------------------------------------------------------------
// Server-Side Registration
// --------------------------------------------------------------------------

// RegisterServerActions registers the payload handlers of all built-in
// actions. Each handler decodes the payload, submits to the action's
// dispatcher and blocks until the listener resolves - the transport layer
// already runs handlers on worker goroutines.
func RegisterServerActions(reg IActionRegistry, d Dispatchers) {
	reg.Register(ActionHealth, submitHandler(d.Health, func() dispatch.IRequest { return &HealthRequest{} }))
	reg.Register(ActionUpdateSettings, submitHandler(d.Settings, func() dispatch.IRequest { return &UpdateSettingsRequest{} }))
	reg.Register(ActionStartTransfer, submitHandler(d.Transfer, func() dispatch.IRequest { return &StartTransferRequest{} }))
}

// submitHandler builds the payload handler for one action
func submitHandler(d *dispatch.Dispatcher, newRequest func() dispatch.IRequest) func(payload []byte) ([]byte, error) {
	return func(payload []byte) ([]byte, error) {
		req := newRequest()
		if err := json.Unmarshal(payload, req); err != nil {
			return nil, fmt.Errorf("failed to decode request: %v", err)
		}

		l := &chanListener{ch: make(chan outcome, 1)}
		d.Submit(NewTask(), req, l)

		// The request's own budget bounds the wait (plus the transport
		// timeout on the sending side), no extra timer needed here
		result := <-l.ch
		if result.err != nil {
			return nil, result.err
		}

		data, err := json.Marshal(result.resp)
		if err != nil {
			return nil, fmt.Errorf("failed to encode response: %v", err)
		}
		return data, nil
	}
}

// --------------------------------------------------------------------------
// Client-Side Response Decoders
// --------------------------------------------------------------------------

// RegisterResponseDecoders registers the typed response decoders of all
// built-in actions with a forwarder.
func RegisterResponseDecoders(f forward.IWireForwarder) {
	f.RegisterResponse(ActionHealth, jsonDecoder(func() interface{} { return &HealthResponse{} }))
	f.RegisterResponse(ActionUpdateSettings, jsonDecoder(func() interface{} { return &UpdateSettingsResponse{} }))
	f.RegisterResponse(ActionStartTransfer, jsonDecoder(func() interface{} { return &replication.TransferResponse{} }))
}

// jsonDecoder builds a decoder that unmarshals into a fresh typed response
func jsonDecoder(newResponse func() interface{}) forward.ResponseDecoderFunc {
	return func(payload []byte) (interface{}, error) {
		resp := newResponse()
		if err := json.Unmarshal(payload, resp); err != nil {
			return nil, fmt.Errorf("failed to decode response: %v", err)
		}
		return resp, nil
	}
}

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// outcome is the terminal result of one submission
type outcome struct {
	resp interface{}
	err  error
}

// chanListener resolves a submission into a channel
type chanListener struct {
	ch chan outcome
}

func (l *chanListener) OnResponse(resp interface{}) {
	l.ch <- outcome{resp: resp}
}

func (l *chanListener) OnFailure(err error) {
	l.ch <- outcome{err: err}
}
