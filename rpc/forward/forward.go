package forward

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSearch/lib/cluster"
	"github.com/ValentinKolb/dSearch/lib/dispatch"
	"github.com/ValentinKolb/dSearch/rpc/common"
	"github.com/ValentinKolb/dSearch/rpc/serializer"
	"github.com/ValentinKolb/dSearch/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("rpc")

// --------------------------------------------------------------------------
// Contracts
// --------------------------------------------------------------------------

// IWireRequest is implemented by requests that can be forwarded to another
// node. The payload marshalling is owned by the request type so the
// forwarder stays agnostic of the individual action schemas.
type IWireRequest interface {
	dispatch.IRequest
	MarshalPayload() ([]byte, error)
}

// ResponseDecoderFunc turns a response payload back into the typed response
// of an action.
type ResponseDecoderFunc func(payload []byte) (interface{}, error)

// IWireForwarder sends requests to remote nodes over the RPC transport. It
// implements dispatch.IForwarder and additionally owns the per-action
// response decoders and the per-node connection cache.
type IWireForwarder interface {
	dispatch.IForwarder

	// RegisterResponse registers the decoder for responses of the given
	// wire action. Forwarded actions without a registered decoder deliver
	// the raw payload bytes.
	RegisterResponse(action string, decode ResponseDecoderFunc)

	// Close closes all cached node connections.
	Close() error
}

// TransportFactoryFunc creates a fresh, unconnected client transport. Each
// target node gets its own transport instance.
type TransportFactoryFunc func() transport.IRPCClientTransport

// --------------------------------------------------------------------------
// Forwarder Factory Method
// --------------------------------------------------------------------------

// NewForwarder creates a forwarder that connects to target nodes lazily and
// caches one client transport per node. The config acts as a template, the
// endpoint is replaced with the target node's address per connection.
func NewForwarder(ser serializer.IRPCSerializer, factory TransportFactoryFunc, config common.ClientConfig) IWireForwarder {
	return &wireForwarder{
		serializer: ser,
		factory:    factory,
		config:     config,
		transports: xsync.NewMapOf[cluster.NodeID, transport.IRPCClientTransport](),
		decoders:   xsync.NewMapOf[string, ResponseDecoderFunc](),
	}
}

// wireForwarder implements IWireForwarder
type wireForwarder struct {
	serializer serializer.IRPCSerializer
	factory    TransportFactoryFunc
	config     common.ClientConfig
	transports *xsync.MapOf[cluster.NodeID, transport.IRPCClientTransport]
	decoders   *xsync.MapOf[string, ResponseDecoderFunc]
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IWireForwarder)
// --------------------------------------------------------------------------

func (f *wireForwarder) RegisterResponse(action string, decode ResponseDecoderFunc) {
	f.decoders.Store(action, decode)
}

func (f *wireForwarder) Forward(node cluster.Node, action string, req dispatch.IRequest, h dispatch.IResponseHandler) {
	wireReq, ok := req.(IWireRequest)
	if !ok {
		h.HandleError(fmt.Errorf("request of type %T cannot be forwarded: no payload marshalling", req))
		return
	}

	// Marshal the request before leaving the caller's goroutine so schema
	// errors surface deterministically
	payload, err := wireReq.MarshalPayload()
	if err != nil {
		h.HandleError(fmt.Errorf("failed to marshal request for action %s: %v", action, err))
		return
	}

	data, err := f.serializer.Serialize(*common.NewRequest(action, payload))
	if err != nil {
		h.HandleError(fmt.Errorf("failed to serialize request for action %s: %v", action, err))
		return
	}

	// The actual network round trip must not block the caller, the
	// dispatcher invokes Forward from state-change delivery goroutines
	go f.send(node, action, data, h)
}

func (f *wireForwarder) Close() error {
	var lastErr error
	f.transports.Range(func(id cluster.NodeID, tr transport.IRPCClientTransport) bool {
		if err := tr.Close(); err != nil {
			lastErr = err
		}
		f.transports.Delete(id)
		return true
	})
	return lastErr
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// send performs one forwarding attempt and reports the classified outcome
func (f *wireForwarder) send(node cluster.Node, action string, data []byte, h dispatch.IResponseHandler) {
	tr, err := f.transportFor(node)
	if err != nil {
		h.HandleError(&dispatch.ConnectError{Node: node.ID, Cause: err})
		return
	}

	resp, err := tr.Send(data)
	if err != nil {
		// A timed out request is terminal: the remote node may still be
		// executing it, so re-routing could run the operation twice
		if errors.Is(err, transport.ErrTimeout) {
			h.HandleError(&dispatch.RemoteError{Node: node.ID, Cause: err})
			return
		}

		// Drop the cached transport so the next attempt reconnects
		f.dropTransport(node.ID, tr)
		h.HandleError(&dispatch.ConnectError{Node: node.ID, Cause: err})
		return
	}

	var msg common.Message
	if err := f.serializer.Deserialize(resp, &msg); err != nil {
		h.HandleError(&dispatch.RemoteError{Node: node.ID, Cause: fmt.Errorf("malformed response: %v", err)})
		return
	}

	switch msg.MsgType {
	case common.MsgTResponse:
		decoded, err := f.decodeResponse(action, msg.Payload)
		if err != nil {
			h.HandleError(&dispatch.RemoteError{Node: node.ID, Cause: err})
			return
		}
		h.HandleResponse(decoded)

	case common.MsgTError:
		h.HandleError(&dispatch.RemoteError{Node: node.ID, Cause: remoteCause(node.ID, msg)})

	default:
		h.HandleError(&dispatch.RemoteError{Node: node.ID, Cause: fmt.Errorf("unexpected message type %s", msg.MsgType)})
	}
}

// transportFor returns the cached transport for the node, connecting lazily
func (f *wireForwarder) transportFor(node cluster.Node) (transport.IRPCClientTransport, error) {
	if tr, ok := f.transports.Load(node.ID); ok {
		return tr, nil
	}

	// Connect outside the map to keep dial latency out of the map lock
	tr := f.factory()
	config := f.config
	config.Transport.Endpoints = []string{node.Addr}
	if err := tr.Connect(config); err != nil {
		return nil, err
	}

	// Another goroutine may have connected concurrently, keep the first one
	if existing, loaded := f.transports.LoadOrStore(node.ID, tr); loaded {
		_ = tr.Close()
		return existing, nil
	}

	log.Infof("Established forwarding connection to node %s (%s)", node.ID, node.Addr)
	return tr, nil
}

// dropTransport removes a broken transport from the cache
func (f *wireForwarder) dropTransport(id cluster.NodeID, tr transport.IRPCClientTransport) {
	if current, ok := f.transports.Load(id); ok && current == tr {
		f.transports.Delete(id)
		_ = tr.Close()
	}
}

// decodeResponse applies the registered decoder, falling back to raw bytes
func (f *wireForwarder) decodeResponse(action string, payload []byte) (interface{}, error) {
	decode, ok := f.decoders.Load(action)
	if !ok {
		return payload, nil
	}
	return decode(payload)
}

// remoteCause maps an error envelope to the matching dispatch error type
func remoteCause(id cluster.NodeID, msg common.Message) error {
	switch msg.ErrKind {
	case common.ErrKindNodeClosed:
		return &dispatch.NodeClosedError{Node: id}
	case common.ErrKindNotFound:
		return fmt.Errorf("no handler registered for action: %s", msg.Err)
	default:
		return errors.New(msg.Err)
	}
}
