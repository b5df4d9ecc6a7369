package forward

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dSearch/lib/cluster"
	"github.com/ValentinKolb/dSearch/lib/dispatch"
	"github.com/ValentinKolb/dSearch/rpc/common"
	"github.com/ValentinKolb/dSearch/rpc/serializer"
	"github.com/ValentinKolb/dSearch/rpc/transport"
)

// --------------------------------------------------------------------------
// Test Helpers
// --------------------------------------------------------------------------

// fakeTransport answers Send in-process instead of hitting the network
type fakeTransport struct {
	connectErr error
	sendErr    error
	respond    func(req []byte) []byte

	connected atomic.Bool
	closed    atomic.Bool
	sends     atomic.Int64
}

func (f *fakeTransport) Connect(config common.ClientConfig) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}

func (f *fakeTransport) Send(req []byte) ([]byte, error) {
	f.sends.Add(1)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.respond(req), nil
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

// handlerOutcome resolves with the forward attempt's outcome
type handlerOutcome struct {
	ch chan struct {
		resp interface{}
		err  error
	}
}

func newHandlerOutcome() *handlerOutcome {
	return &handlerOutcome{ch: make(chan struct {
		resp interface{}
		err  error
	}, 2)}
}

func (h *handlerOutcome) HandleResponse(resp interface{}) {
	h.ch <- struct {
		resp interface{}
		err  error
	}{resp: resp}
}

func (h *handlerOutcome) HandleError(err error) {
	h.ch <- struct {
		resp interface{}
		err  error
	}{err: err}
}

func (h *handlerOutcome) await(t *testing.T) (interface{}, error) {
	t.Helper()
	select {
	case o := <-h.ch:
		return o.resp, o.err
	case <-time.After(2 * time.Second):
		t.Fatal("forward attempt never completed")
		return nil, nil
	}
}

// testWireRequest is a forwardable request
type testWireRequest struct {
	Value string `json:"value"`
}

func (r *testWireRequest) Timeout() time.Duration          { return time.Second }
func (r *testWireRequest) MarshalPayload() ([]byte, error) { return json.Marshal(r) }

// plainRequest implements only dispatch.IRequest
type plainRequest struct{}

func (plainRequest) Timeout() time.Duration { return time.Second }

var testNode = cluster.Node{ID: "node-2", Addr: "localhost:8082"}

// responder builds a transport answer for the expected request envelope
func responder(t *testing.T, ser serializer.IRPCSerializer, reply *common.Message) func([]byte) []byte {
	return func(req []byte) []byte {
		var msg common.Message
		if err := ser.Deserialize(req, &msg); err != nil {
			t.Errorf("server received a malformed request: %v", err)
		}
		if msg.MsgType != common.MsgTRequest {
			t.Errorf("Expected a request envelope, got %s", msg.MsgType)
		}

		data, err := ser.Serialize(*reply)
		if err != nil {
			t.Errorf("failed to serialize reply: %v", err)
		}
		return data
	}
}

func newTestForwarder(tr transport.IRPCClientTransport) (IWireForwarder, serializer.IRPCSerializer) {
	ser := serializer.NewBinarySerializer()
	f := NewForwarder(ser, func() transport.IRPCClientTransport { return tr }, common.ClientConfig{TimeoutSecond: 1})
	return f, ser
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestForwardDecodedResponse tests a successful round trip with a registered
// decoder
func TestForwardDecodedResponse(t *testing.T) {
	tr := &fakeTransport{}
	f, ser := newTestForwarder(tr)
	tr.respond = responder(t, ser, common.NewResponse([]byte(`{"value":"pong"}`)))

	f.RegisterResponse("test/ping", func(payload []byte) (interface{}, error) {
		resp := &testWireRequest{}
		if err := json.Unmarshal(payload, resp); err != nil {
			return nil, err
		}
		return resp, nil
	})

	h := newHandlerOutcome()
	f.Forward(testNode, "test/ping", &testWireRequest{Value: "ping"}, h)

	resp, err := h.await(t)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if resp.(*testWireRequest).Value != "pong" {
		t.Errorf("Expected decoded response, got %+v", resp)
	}
}

// TestForwardRawResponseWithoutDecoder tests the raw byte fallback
func TestForwardRawResponseWithoutDecoder(t *testing.T) {
	tr := &fakeTransport{}
	f, ser := newTestForwarder(tr)
	tr.respond = responder(t, ser, common.NewResponse([]byte("raw bytes")))

	h := newHandlerOutcome()
	f.Forward(testNode, "test/unregistered", &testWireRequest{}, h)

	resp, err := h.await(t)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if string(resp.([]byte)) != "raw bytes" {
		t.Errorf("Expected the raw payload, got %v", resp)
	}
}

// TestForwardRejectsUnmarshallableRequests tests the wire request guard
func TestForwardRejectsUnmarshallableRequests(t *testing.T) {
	f, _ := newTestForwarder(&fakeTransport{})

	h := newHandlerOutcome()
	f.Forward(testNode, "test/ping", plainRequest{}, h)

	if _, err := h.await(t); err == nil {
		t.Error("A request without payload marshalling should be rejected")
	}
}

// TestForwardConnectFailure tests classification of dial failures
func TestForwardConnectFailure(t *testing.T) {
	tr := &fakeTransport{connectErr: fmt.Errorf("connection refused")}
	f, _ := newTestForwarder(tr)

	h := newHandlerOutcome()
	f.Forward(testNode, "test/ping", &testWireRequest{}, h)

	_, err := h.await(t)
	var connectErr *dispatch.ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("Expected ConnectError, got %v", err)
	}
	if connectErr.Node != "node-2" {
		t.Errorf("Expected the target node in the error, got %s", connectErr.Node)
	}
}

// TestForwardSendFailureDropsTransport tests that a broken connection is
// evicted from the cache
func TestForwardSendFailureDropsTransport(t *testing.T) {
	tr := &fakeTransport{sendErr: fmt.Errorf("connection reset")}
	f, _ := newTestForwarder(tr)

	h := newHandlerOutcome()
	f.Forward(testNode, "test/ping", &testWireRequest{}, h)

	_, err := h.await(t)
	var connectErr *dispatch.ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("Expected ConnectError, got %v", err)
	}
	if !tr.closed.Load() {
		t.Error("The broken transport should have been closed")
	}
}

// TestForwardTimeoutIsTerminal tests that a timed out request is classified
// as a remote failure, not a connectivity failure
func TestForwardTimeoutIsTerminal(t *testing.T) {
	tr := &fakeTransport{sendErr: transport.ErrTimeout}
	f, _ := newTestForwarder(tr)

	h := newHandlerOutcome()
	f.Forward(testNode, "test/ping", &testWireRequest{}, h)

	_, err := h.await(t)
	var remoteErr *dispatch.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("Expected RemoteError, got %v", err)
	}
	if !errors.Is(remoteErr.Cause, transport.ErrTimeout) {
		t.Errorf("Expected the timeout as cause, got %v", remoteErr.Cause)
	}
	// The connection is fine, it must stay cached
	if tr.closed.Load() {
		t.Error("A timeout must not evict the transport")
	}
}

// TestForwardRemoteNodeClosed tests mapping of the node-closed error kind
func TestForwardRemoteNodeClosed(t *testing.T) {
	tr := &fakeTransport{}
	f, ser := newTestForwarder(tr)
	tr.respond = responder(t, ser, common.NewErrorResponse(common.ErrKindNodeClosed, "shutting down"))

	h := newHandlerOutcome()
	f.Forward(testNode, "test/ping", &testWireRequest{}, h)

	_, err := h.await(t)
	var remoteErr *dispatch.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("Expected RemoteError, got %v", err)
	}
	var closed *dispatch.NodeClosedError
	if !errors.As(remoteErr.Cause, &closed) {
		t.Errorf("Expected a node-closed cause, got %v", remoteErr.Cause)
	}
}

// TestForwardRemoteDomainError tests mapping of plain remote failures
func TestForwardRemoteDomainError(t *testing.T) {
	tr := &fakeTransport{}
	f, ser := newTestForwarder(tr)
	tr.respond = responder(t, ser, common.NewErrorResponse(common.ErrKindDomain, "validation failed"))

	h := newHandlerOutcome()
	f.Forward(testNode, "test/ping", &testWireRequest{}, h)

	_, err := h.await(t)
	var remoteErr *dispatch.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("Expected RemoteError, got %v", err)
	}
	var closed *dispatch.NodeClosedError
	if errors.As(remoteErr.Cause, &closed) {
		t.Error("A domain failure must not look like a closed node")
	}
}

// TestForwardReusesConnection tests the per-node transport cache
func TestForwardReusesConnection(t *testing.T) {
	tr := &fakeTransport{}
	connects := atomic.Int64{}
	ser := serializer.NewBinarySerializer()
	tr.respond = responder(t, ser, common.NewResponse(nil))

	f := NewForwarder(ser, func() transport.IRPCClientTransport {
		connects.Add(1)
		return tr
	}, common.ClientConfig{TimeoutSecond: 1})

	for i := 0; i < 3; i++ {
		h := newHandlerOutcome()
		f.Forward(testNode, "test/ping", &testWireRequest{}, h)
		if _, err := h.await(t); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
	}

	if connects.Load() != 1 {
		t.Errorf("Expected a single connection, got %d", connects.Load())
	}
	if tr.sends.Load() != 3 {
		t.Errorf("Expected 3 sends over the cached connection, got %d", tr.sends.Load())
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !tr.closed.Load() {
		t.Error("Close should close the cached transports")
	}
}
