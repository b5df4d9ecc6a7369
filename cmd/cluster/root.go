package cluster

import (
	"github.com/ValentinKolb/dSearch/cmd/util"
	"github.com/ValentinKolb/dSearch/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcCluster client.ICluster

	// ClusterCommands represents the cluster command group
	ClusterCommands = &cobra.Command{
		Use:               "cluster",
		Short:             "Perform cluster operations against a dSearch node",
		PersistentPreRunE: setupClusterClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the cluster command
	util.SetupRPCClientFlags(ClusterCommands)

	// Add subcommands
	ClusterCommands.AddCommand(healthCmd)
	ClusterCommands.AddCommand(setSettingsCmd)
	ClusterCommands.AddCommand(transferCmd)
	ClusterCommands.AddCommand(perfTestCmd)
}

// setupClusterClient initializes the RPC cluster client
func setupClusterClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Get client configuration components
	config := util.GetClientConfig()

	// Get serializer and transport
	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	t, err := util.GetTransport()
	if err != nil {
		return err
	}

	// Create the cluster client
	rpcCluster, err = client.NewRPCCluster(
		*config,
		t,
		s,
	)

	return err
}

// requestTimeoutMS converts the timeout flag into the coordinator wait budget
// sent with every request. Without a budget a request would fail instantly
// whenever an election or recovery is in progress.
func requestTimeoutMS() int64 {
	return int64(viper.GetInt("timeout")) * 1000
}
