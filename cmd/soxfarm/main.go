package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soxfarm/soxfarm/pkg/soxfarm"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "soxfarm",
	Short:   "soxfarm supervises a pool of SOCKS5 proxy workers behind an HTTP load balancer",
	Version: "0.1.0",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the worker pool and the HTTP load balancer front-end",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the soxfarm version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(rootCmd.Version)
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: search ./config.yaml, ./config/config.yaml, /etc/soxfarm/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := soxfarm.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(soxfarm.ExitCode(err))
	}

	logger := soxfarm.NewLogger(cfg.Logging)
	integrator := soxfarm.NewIntegrator(cfg, logger)

	err = integrator.Run(context.Background())
	os.Exit(soxfarm.ExitCode(err))
	return nil
}
