package cluster

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dSearch/cmd/util"
	"github.com/ValentinKolb/dSearch/lib/actions"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dSearch nodes",
		Long:    "",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfNumThreads  = 10
	perfDurationSec = 10
	perfSkip        = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. health,settings)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "duration"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("How long to run each benchmark (in seconds)"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfNumThreads = viper.GetInt("threads")
	perfDurationSec = viper.GetInt("duration")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for dSearch nodes")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Duration: %ds per benchmark\n", perfDurationSec)
	fmt.Println()

	fmt.Println("starting tests...")

	registry := metrics.NewRegistry()

	healthTimer := metrics.GetOrRegisterTimer("health", registry)
	runTimed("health", healthTimer, func() error {
		_, err := rpcCluster.Health(&actions.HealthRequest{TimeoutMS: requestTimeoutMS()})
		return err
	})
	printResult("health", healthTimer)

	settingsTimer := metrics.GetOrRegisterTimer("settings", registry)
	runTimed("settings", settingsTimer, func() error {
		_, err := rpcCluster.UpdateSettings(&actions.UpdateSettingsRequest{
			Settings:  map[string]string{"__perf.marker": strconv.FormatInt(time.Now().UnixNano(), 10)},
			TimeoutMS: requestTimeoutMS(),
		})
		return err
	})
	printResult("settings", settingsTimer)

	// remove the benchmark setting again
	if !shouldSkip("settings") {
		if _, err := rpcCluster.UpdateSettings(&actions.UpdateSettingsRequest{
			Settings:  map[string]string{"__perf.marker": ""},
			TimeoutMS: requestTimeoutMS(),
		}); err != nil {
			log.Printf("(settings) - error removing benchmark setting: %v\n", err)
		}
	}

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, registry); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// runTimed hammers op from perfNumThreads goroutines for the configured
// duration and records each call in the timer.
func runTimed(test string, timer metrics.Timer, op func() error) {
	if shouldSkip(test) {
		return
	}

	deadline := time.Now().Add(time.Duration(perfDurationSec) * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < perfNumThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				start := time.Now()
				if err := op(); err != nil {
					log.Printf("(%s) - error: %v\n", test, err)
					continue
				}
				timer.UpdateSince(start)
			}
		}()
	}
	wg.Wait()
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, timer metrics.Timer) {
	if timer.Count() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	fmt.Printf("%-20s%d ops\t%.0f ops/sec\tmean=%s\tp95=%s\tp99=%s\n",
		test,
		timer.Count(),
		timer.RateMean(),
		time.Duration(timer.Mean()),
		time.Duration(timer.Percentile(0.95)),
		time.Duration(timer.Percentile(0.99)),
	)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, registry metrics.Registry) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	config := util.GetClientConfig()

	// Write header
	header := []string{
		"Test", "Count", "OpsPerSec", "MeanNs", "P50Ns", "P95Ns", "P99Ns", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Serializer", "Transport", "Threads", "DurationSec",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	var writeErr error
	registry.Each(func(name string, metric interface{}) {
		if writeErr != nil {
			return
		}

		timer, ok := metric.(metrics.Timer)
		if !ok {
			return
		}
		snap := timer.Snapshot()

		row := []string{
			name,
			strconv.FormatInt(snap.Count(), 10),
			fmt.Sprintf("%.0f", snap.RateMean()),
			fmt.Sprintf("%.0f", snap.Mean()),
			fmt.Sprintf("%.0f", snap.Percentile(0.5)),
			fmt.Sprintf("%.0f", snap.Percentile(0.95)),
			fmt.Sprintf("%.0f", snap.Percentile(0.99)),
			strconv.FormatBool(snap.Count() == 0),
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfDurationSec),
		}

		if err := writer.Write(row); err != nil {
			writeErr = fmt.Errorf("failed to write row for test %s: %v", name, err)
		}
	})

	return writeErr
}
