package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ValentinKolb/dSearch/lib/actions"
	libcluster "github.com/ValentinKolb/dSearch/lib/cluster"
	"github.com/ValentinKolb/dSearch/lib/replication"
	"github.com/spf13/cobra"
)

var (
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Shows the coordinator's view of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := rpcCluster.Health(&actions.HealthRequest{TimeoutMS: requestTimeoutMS()})
			if err != nil {
				return err
			}

			fmt.Printf("coordinator : %s\n", resp.Coordinator)
			fmt.Printf("reported by : %s\n", resp.ReportedBy)
			fmt.Printf("version     : %d\n", resp.Version)
			fmt.Printf("members     : %v\n", resp.Members)
			if len(resp.Blocks) > 0 {
				fmt.Printf("blocks      : %v\n", resp.Blocks)
			}
			for k, v := range resp.Settings {
				fmt.Printf("setting     : %s=%s\n", k, v)
			}
			return nil
		},
	}
	setSettingsCmd = &cobra.Command{
		Use:   "set-settings [key=value]...",
		Short: "Updates cluster wide settings (an empty value removes the setting)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := make(map[string]string)
			for _, arg := range args {
				parts := strings.SplitN(arg, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid setting format: %s (expected key=value)", arg)
				}
				settings[parts[0]] = parts[1]
			}

			resp, err := rpcCluster.UpdateSettings(&actions.UpdateSettingsRequest{
				Settings:  settings,
				TimeoutMS: requestTimeoutMS(),
			})
			if err != nil {
				return err
			}
			fmt.Printf("acknowledged=%t, seqNo=%d\n", resp.Acknowledged, resp.SeqNo)
			return nil
		},
	}
	transferCmd = &cobra.Command{
		Use:   "transfer [target-node] [allocation-id] [file]...",
		Short: "Starts a segment file transfer to a replication target",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]replication.FileMetadata, 0, len(args)-2)
			for _, name := range args[2:] {
				info, err := os.Stat(name)
				if err != nil {
					return fmt.Errorf("failed to stat %s: %w", name, err)
				}
				files = append(files, replication.FileMetadata{
					Name:   filepath.Base(name),
					Length: info.Size(),
				})
			}

			resp, err := rpcCluster.StartTransfer(&actions.StartTransferRequest{
				Transfer:  replication.TransferRequest{
					TargetNode:         libcluster.Node{ID: libcluster.NodeID(args[0])},
					TargetAllocationID: args[1],
					Files:              files,
				},
				TimeoutMS: requestTimeoutMS(),
			})
			if err != nil {
				return err
			}
			fmt.Printf("transferred %d files (%d bytes)\n", resp.Files, resp.Bytes)
			return nil
		},
	}
)
