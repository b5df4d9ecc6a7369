// Package client implements the RPC client for the dSearch cluster. It
// provides typed access to the built-in cluster actions over the configured
// transport and serializer.
//
// The package focuses on:
//   - Transparent RPC access to the cluster actions of any node
//   - Integration with the transport and serialization layers
//   - Error handling and conversion between RPC and domain errors
//
// The connected node does not need to be the coordinator: its dispatcher
// forwards coordinator actions transparently and parks them across
// elections, the client only sees the terminal outcome.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  TimeoutSecond: 5,
//	  Transport: common.ClientTransportConfig{
//	    Endpoints:  []string{"localhost:5000"},
//	    RetryCount: 3,
//	  },
//	}
//
//	c, _ := client.NewRPCCluster(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	defer c.Close()
//
//	health, _ := c.Health(&actions.HealthRequest{TimeoutMS: 5000})
//	fmt.Println(health.Coordinator)
package client
