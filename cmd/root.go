package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dSearch/cmd/cluster"
	"github.com/ValentinKolb/dSearch/cmd/serve"
	"github.com/ValentinKolb/dSearch/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dsearch",
		Short: "distributed search cluster node",
		Long: fmt.Sprintf(`dSearch (v%s)

A distributed search cluster written in Go. Cluster-wide operations are
routed to a single elected coordinator via RAFT consensus, any node can
be used as the entry point.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dSearch",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dSearch v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(cluster.ClusterCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
