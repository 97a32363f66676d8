package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// newRemediateCmd creates the "remediator remediate" subcommand.
func newRemediateCmd(opts *clientOptions) *cobra.Command {
	var (
		user   string
		action string
	)
	cmd := &cobra.Command{
		Use:   "remediate <incident-id>",
		Short: "Trigger a remediation for an incident",
		Long:  "Starts a user-initiated remediation. The incident's recommended action\nis used unless --action names another one.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if action != "" && !models.ActionType(action).Valid() {
				return fmt.Errorf("unknown action type %q", action)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			client, closeConn, err := opts.client(ctx)
			if err != nil {
				return err
			}
			defer closeConn()

			req, err := api.EncodeRequest(api.ExecuteRemediationRequest{
				IncidentID:   args[0],
				InitiatorRef: user,
				ActionType:   action,
			})
			if err != nil {
				return err
			}
			resp, err := client.ExecuteRemediation(ctx, req)
			if err != nil {
				return fmt.Errorf("remediate: %w", err)
			}
			out, err := api.DecodeRequest[models.RemediationAction](resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Remediation %s started (action=%s, status=%s)\n", out.ID, out.ActionType, out.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "cli", "Who requested the remediation")
	cmd.Flags().StringVar(&action, "action", "", "Override the recommended action type")
	return cmd
}
