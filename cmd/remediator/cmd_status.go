package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediator/internal/api"
)

type statusView struct {
	Services []struct {
		Target struct {
			ProjectID string `json:"project_id"`
			ServiceID string `json:"service_id"`
			Name      string `json:"name"`
		} `json:"target"`
		Connection struct {
			State             string `json:"state"`
			Subscriptions     int    `json:"subscriptions"`
			ReconnectAttempts int    `json:"reconnect_attempts"`
		} `json:"connection"`
		HealthFailures int `json:"health_failures"`
	} `json:"services"`
}

type healthView struct {
	Fleet struct {
		Services int `json:"services"`
		Alive    int `json:"alive"`
	} `json:"fleet"`
	Remediation api.RemediationStats `json:"remediation"`
}

// newStatusCmd creates the "remediator status" subcommand.
func newStatusCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show monitored services and remediation counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			client, closeConn, err := opts.client(ctx)
			if err != nil {
				return err
			}
			defer closeConn()

			resp, err := client.GetStatus(ctx, &structpb.Struct{})
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			status, err := api.DecodeRequest[statusView](resp)
			if err != nil {
				return err
			}
			resp, err = client.GetHealthMetrics(ctx, &structpb.Struct{})
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			health, err := api.DecodeRequest[healthView](resp)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tPROJECT\tSTATE\tSUBS\tRECONNECTS\tHEALTH FAILURES")
			for _, svc := range status.Services {
				name := svc.Target.ServiceID
				if svc.Target.Name != "" {
					name = svc.Target.Name
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n", name, svc.Target.ProjectID, svc.Connection.State,
					svc.Connection.Subscriptions, svc.Connection.ReconnectAttempts, svc.HealthFailures)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			r := health.Remediation
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d/%d connections alive; remediations: %d dispatched, %d succeeded, %d failed (p95 %.0fms)\n",
				health.Fleet.Alive, health.Fleet.Services, r.Dispatched, r.Succeeded, r.Failed, r.LatencyP95Ms)
			return nil
		},
	}
}
