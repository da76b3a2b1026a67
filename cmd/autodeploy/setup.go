package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcoreops/autodeploy/internal/pipeline"
)

func newSetupCmd(flags *rootFlags) *cobra.Command {
	var reactorBinary string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Provision the pipeline infrastructure (idempotent)",
		Long: `Provision the ECR repository, config bucket, IAM roles, reactor
function, EventBridge rule, and CodeBuild project. Safe to re-run: existing
resources are adopted and converged, never duplicated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, clients, err := loadPipeline(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if reactorBinary != "" {
				cfg.ReactorBinaryPath = reactorBinary
			}
			if cfg.ReactorBinaryPath == "" {
				return fmt.Errorf("a reactor bootstrap binary is required: pass --reactor-binary or set reactor_binary_path")
			}

			res, err := pipeline.NewProvisioner(cfg, clients).Setup(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "repository:       %s\n", res.Repository)
			fmt.Fprintf(out, "bucket:           %s\n", res.Bucket)
			fmt.Fprintf(out, "agent role:       %s\n", res.AgentRoleARN)
			fmt.Fprintf(out, "deployer role:    %s\n", res.DeployerRoleARN)
			fmt.Fprintf(out, "executor role:    %s\n", res.ToolRoleARN)
			fmt.Fprintf(out, "build role:       %s\n", res.BuildRoleARN)
			fmt.Fprintf(out, "reactor function: %s\n", res.ReactorFunctionARN)
			fmt.Fprintf(out, "event rule:       %s\n", res.RuleARN)
			fmt.Fprintf(out, "build project:    %s\n", res.BuildProject)
			return nil
		},
	}
	cmd.Flags().StringVar(&reactorBinary, "reactor-binary", "", "path to the compiled reactor bootstrap binary")
	return cmd
}
