package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSearch/lib/actions"
	"github.com/ValentinKolb/dSearch/lib/cluster"
	"github.com/ValentinKolb/dSearch/lib/cluster/dsource"
	"github.com/ValentinKolb/dSearch/lib/dispatch"
	"github.com/ValentinKolb/dSearch/lib/replication"
	"github.com/ValentinKolb/dSearch/lib/translog"
	"github.com/ValentinKolb/dSearch/rpc/common"
	"github.com/ValentinKolb/dSearch/rpc/forward"
	"github.com/ValentinKolb/dSearch/rpc/serializer"
	"github.com/ValentinKolb/dSearch/rpc/transport"
	"github.com/ValentinKolb/dSearch/rpc/transport/tcp"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPDefaultServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) rpcServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return rpcServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		actions:    xsync.NewMapOf[string, func(payload []byte) ([]byte, error)](),
	}
}

type rpcServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	actions    *xsync.MapOf[string, func(payload []byte) ([]byte, error)]
	service    *cluster.Service
	translog   translog.ITranslogManager
	forwarder  forward.IWireForwarder
	nodeHost   *dragonboat.NodeHost
}

// Register implements actions.IActionRegistry
func (s *rpcServer) Register(action string, handle func(payload []byte) ([]byte, error)) {
	s.actions.Store(action, handle)
	Logger.Infof("registered action [%s]", action)
}

// registerTransportHandler connects the action registry to the transport
func (s *rpcServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(req []byte) []byte {
		var msg common.Message
		var respMsg *common.Message

		// Decode the request envelope
		if err := s.serializer.Deserialize(req, &msg); err != nil {
			respMsg = common.NewErrorResponse(common.ErrKindDomain, fmt.Sprintf("failed to deserialize request: %s", err))
		} else if msg.MsgType != common.MsgTRequest {
			respMsg = common.NewErrorResponse(common.ErrKindDomain, fmt.Sprintf("unexpected message type: %s", msg.MsgType))
		} else if handle, ok := s.actions.Load(msg.Action); !ok {
			// Case action does not exist -> error
			respMsg = common.NewErrorResponse(common.ErrKindNotFound, msg.Action)
		} else if payload, err := handle(msg.Payload); err != nil {
			respMsg = common.NewErrorResponse(classifyError(err), err.Error())
		} else {
			respMsg = common.NewResponse(payload)
		}

		// Return result
		val, err := s.serializer.Serialize(*respMsg)
		if err != nil {
			Logger.Errorf("failed to serialize response: %v", err)
			return nil
		}
		return val
	})
}

// classifyError maps a dispatch failure to the wire error kind. The kind
// decides on the sending side whether the failure is retried against a newly
// elected coordinator.
func classifyError(err error) common.ErrorKind {
	var closed *dispatch.NodeClosedError
	if errors.As(err, &closed) {
		return common.ErrKindNodeClosed
	}
	return common.ErrKindDomain
}

func (s *rpcServer) init() error {

	// Init logger
	common.InitLoggers(s.config)

	// CLUSTER STATE SOURCE

	s.service = cluster.NewService(dsource.InitialState(s.config.ReplicaID, s.config.RPCMembers))

	// TRANSLOG

	/*
		Note: The write-ahead log journals settings updates on the
		coordinator. Recovery replays the journal to find the highest
		assigned sequence number before the node accepts new updates.
	*/

	tl, err := translog.NewManager(translog.Config{Dir: s.config.TranslogDir})
	if err != nil {
		return fmt.Errorf("failed to open translog: %w", err)
	}
	s.translog = tl

	var lastSeqNo uint64
	recovered, err := tl.Recover(func(op translog.Operation) error {
		if op.SeqNo > lastSeqNo {
			lastSeqNo = op.SeqNo
		}
		return nil
	}, math.MaxUint64)
	if err != nil {
		return fmt.Errorf("translog recovery failed: %w", err)
	}
	Logger.Infof("translog recovery replayed %d operation(s), last seqNo %d", recovered, lastSeqNo)

	// DRAGONBOAT METADATA SHARD

	nodeHost, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig(dsource.NewRaftEventListener(s.service, s.config.ShardID)))
	if err != nil {
		return fmt.Errorf("failed to create node host: %w", err)
	}
	s.nodeHost = nodeHost

	factory := dsource.CreateStateMachineFactory(dsource.SettingsApplier(s.service))
	if err := nodeHost.StartConcurrentReplica(s.config.ClusterMembers, false, factory, s.config.ToDragonboatConfig()); err != nil {
		return fmt.Errorf("failed to start metadata shard %d: %w", s.config.ShardID, err)
	}

	// FORWARDER

	s.forwarder = forward.NewForwarder(s.serializer, tcp.NewTCPClientTransport, common.ClientConfig{
		TimeoutSecond: int(s.config.TimeoutSecond),
		Transport: common.ClientTransportConfig{
			RetryCount: 3,
			SocketConf: s.config.Transport.SocketConf,
			TCPConf:    s.config.Transport.TCPConf,
		},
	})
	actions.RegisterResponseDecoders(s.forwarder)

	// DISPATCHERS

	healthDispatcher, err := actions.NewHealthDispatcher(s.service, s.forwarder)
	if err != nil {
		return err
	}

	timeout := time.Duration(s.config.TimeoutSecond) * time.Second
	settingsAction := actions.NewSettingsAction(tl, &raftSettingsProposer{
		nodeHost: nodeHost,
		shardID:  s.config.ShardID,
		timeout:  timeout,
	}, lastSeqNo)
	settingsDispatcher, err := settingsAction.NewDispatcher(s.service, s.forwarder, dispatch.NewPoolExecutor(1, 64))
	if err != nil {
		return err
	}

	replicationHandler := replication.NewSourceHandler(
		replication.DirSource{Dir: filepath.Join(s.config.DataDir, "segments")},
		replication.DirChunkWriter{Dir: filepath.Join(s.config.DataDir, "recovery")},
		0, 0, // default chunk size and concurrency
		timeout,
	)
	transferDispatcher, err := actions.NewTransferDispatcher(replicationHandler, s.service, &dispatch.GoExecutor{})
	if err != nil {
		return err
	}

	actions.RegisterServerActions(s, actions.Dispatchers{
		Health:   healthDispatcher,
		Settings: settingsDispatcher,
		Transfer: transferDispatcher,
	})

	// METRICS

	if s.config.MetricsEndpoint != "" {
		go func() {
			http.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
				metrics.WritePrometheus(w, true)
			})
			Logger.Infof("Serving metrics on %s/metrics", s.config.MetricsEndpoint)
			if err := http.ListenAndServe(s.config.MetricsEndpoint, nil); err != nil {
				Logger.Errorf("metrics endpoint failed: %v", err)
			}
		}()
	}

	Logger.Infof("dSearch setup completed successfully")

	// Configure the transport layer
	s.registerTransportHandler()

	return nil
}

// Serve starts the RPC server
// This function will also initialize the cluster state source, the metadata
// shard and the built-in actions before starting the transport layer
func (s *rpcServer) Serve() error {
	if err := s.init(); err != nil {
		return err
	}
	return s.transport.Listen(s.config)
}

// --------------------------------------------------------------------------
// Settings Proposer
// --------------------------------------------------------------------------

// raftSettingsProposer replicates settings commands through the metadata
// shard. Consensus-level failures are translated into dispatch error types
// so the dispatcher can park and retry after the next election.
type raftSettingsProposer struct {
	nodeHost *dragonboat.NodeHost
	shardID  uint64
	timeout  time.Duration
}

func (p *raftSettingsProposer) Propose(cmd *dsource.SettingsCommand, timeout time.Duration) error {
	data, err := cmd.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize settings command: %v", err)
	}

	if timeout <= 0 || timeout > p.timeout {
		timeout = p.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := p.nodeHost.SyncPropose(ctx, p.nodeHost.GetNoOPSession(p.shardID), data)
	if err != nil {
		if errors.Is(err, dragonboat.ErrShardNotReady) || errors.Is(err, dragonboat.ErrShardNotFound) {
			return &dispatch.NotCoordinatorError{Reason: err.Error()}
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, dragonboat.ErrTimeout) {
			return &dispatch.FailedToCommitError{Reason: err.Error()}
		}
		return fmt.Errorf("settings proposal failed: %w", err)
	}
	if result.Value != dsource.ResultCodeSuccess {
		return fmt.Errorf("settings proposal rejected: %s", string(result.Data))
	}
	return nil
}

