package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcoreops/autodeploy/internal/pipeline"
)

func newVerifyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Smoke-test the latest deployed agent",
		Long: `Find the most recently deployed agent and send it one prompt per
built-in tool. Prompt failures are reported per prompt; the command fails if
no deployed agent exists or any prompt failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, clients, err := loadPipeline(cmd.Context(), flags)
			if err != nil {
				return err
			}

			results, err := pipeline.NewVerifier(cfg, clients).Run(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %q: %v\n", r.Prompt, r.Err)
					continue
				}
				fmt.Fprintf(out, "OK   %q -> %s\n", r.Prompt, r.Response)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d prompts failed", failed, len(results))
			}
			return nil
		},
	}
}
