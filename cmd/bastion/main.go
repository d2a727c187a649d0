package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes for scripted callers
const (
	exitOK         = 0
	exitValidation = 1
	exitAdapter    = 2
	exitIntegrity  = 3
	exitCancelled  = 4
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "bastion",
	Short: "Bastion - service fleet resilience core",
	Long: `Bastion keeps a service fleet serving through instance failures,
cache cluster degradation and full site outages. It combines a
load-balancing service registry with circuit breakers, a distributed
cache coordinator, connection pool monitoring and a disaster recovery
orchestrator behind one admin surface.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bastion version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(failoverCmd)
	rootCmd.AddCommand(statusCmd)
}
