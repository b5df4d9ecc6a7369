package client

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSearch/lib/actions"
	"github.com/ValentinKolb/dSearch/lib/replication"
	"github.com/ValentinKolb/dSearch/rpc/common"
	"github.com/ValentinKolb/dSearch/rpc/serializer"
	"github.com/ValentinKolb/dSearch/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// ICluster is the typed client interface for the built-in cluster actions.
type ICluster interface {
	// Health returns the coordinator's view of the cluster
	Health(req *actions.HealthRequest) (*actions.HealthResponse, error)
	// UpdateSettings applies a partial settings update cluster-wide
	UpdateSettings(req *actions.UpdateSettingsRequest) (*actions.UpdateSettingsResponse, error)
	// StartTransfer starts a segment transfer on the connected node
	StartTransfer(req *actions.StartTransferRequest) (*replication.TransferResponse, error)
	// Close closes the underlying transport
	Close() error
}

// NewRPCCluster creates a typed client for the built-in cluster actions.
// The function takes a config, a transport and a serializer as parameters.
func NewRPCCluster(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (ICluster, error) {

	// Connect the transport
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	return &rpcCluster{
		config:     config,
		transport:  transport,
		serializer: serializer,
	}, nil
}

type rpcCluster struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ICluster)
// --------------------------------------------------------------------------

func (c *rpcCluster) Health(req *actions.HealthRequest) (*actions.HealthResponse, error) {
	resp := &actions.HealthResponse{}
	if err := c.invoke(actions.ActionHealth, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *rpcCluster) UpdateSettings(req *actions.UpdateSettingsRequest) (*actions.UpdateSettingsResponse, error) {
	resp := &actions.UpdateSettingsResponse{}
	if err := c.invoke(actions.ActionUpdateSettings, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *rpcCluster) StartTransfer(req *actions.StartTransferRequest) (*replication.TransferResponse, error) {
	resp := &replication.TransferResponse{}
	if err := c.invoke(actions.ActionStartTransfer, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *rpcCluster) Close() error {
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// invoke sends one request envelope and decodes the typed response.
// It also checks if the response is an error response.
func (c *rpcCluster) invoke(action string, req interface{}, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	// Serialize the request
	reqBytes, err := c.serializer.Serialize(*common.NewRequest(action, payload))
	if err != nil {
		return err
	}

	// Send the request
	respBytes, err := c.transport.Send(reqBytes)
	if err != nil {
		return err
	}

	// Deserialize the response
	msg := &common.Message{}
	if err := c.serializer.Deserialize(respBytes, msg); err != nil {
		return fmt.Errorf("RPC cluster client - Error: %s", err)
	}

	// Check if the response is an error response
	if msg.MsgType == common.MsgTError || msg.Err != "" {
		return fmt.Errorf("RPC cluster client - Error (%s): %s", msg.ErrKind, msg.Err)
	}
	if msg.MsgType != common.MsgTResponse {
		return fmt.Errorf("RPC cluster client - Unexpected message type: %s", msg.MsgType)
	}

	return json.Unmarshal(msg.Payload, resp)
}
