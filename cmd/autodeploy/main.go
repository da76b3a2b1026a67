// Command autodeploy operates the auto-deploy pipeline for container-backed
// Bedrock Agents: provisioning the static infrastructure, triggering builds,
// checking resource state, and smoke-testing the latest deployed agent.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentcoreops/autodeploy/internal/pipeline"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "autodeploy: %v\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "autodeploy",
		Short:        "Auto-deploy pipeline for container-backed Bedrock Agents",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(
		newSetupCmd(flags),
		newDeployCmd(flags),
		newStatusCmd(flags),
		newVerifyCmd(flags),
	)
	return root
}

// loadPipeline resolves configuration and constructs the AWS clients shared
// by every subcommand.
func loadPipeline(ctx context.Context, flags *rootFlags) (*pipeline.Config, *pipeline.Clients, error) {
	cfg, err := pipeline.LoadConfig(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	clients, err := pipeline.NewClients(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, clients, nil
}
