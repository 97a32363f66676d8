package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/miradorstack/mirador-remediator/internal/api"
)

// dialFunc opens a client connection to a running remediator.
type dialFunc func(ctx context.Context, addr string) (*grpc.ClientConn, error)

func dialInsecure(_ context.Context, addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// clientOptions are shared by the commands that talk to a running server.
type clientOptions struct {
	addr    string
	timeout time.Duration
	dial    dialFunc
}

func (o *clientOptions) client(ctx context.Context) (*api.OperationsClient, func(), error) {
	conn, err := o.dial(ctx, o.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", o.addr, err)
	}
	return api.NewOperationsClient(conn), func() { _ = conn.Close() }, nil
}

// newRootCmd creates the root remediator command with all subcommands attached.
func newRootCmd() *cobra.Command {
	return newRootCmdWithDialer(dialInsecure)
}

func newRootCmdWithDialer(dial dialFunc) *cobra.Command {
	var configPath string
	opts := &clientOptions{dial: dial}

	cmd := &cobra.Command{
		Use:           "remediator",
		Short:         "Log-driven incident detection and automated remediation",
		Long:          "remediator streams service logs, raises deduplicated incidents\nand dispatches remediation actions to the control plane.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:50061", "Address of a running remediator")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout for client commands")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newRemediateCmd(opts),
		newStatusCmd(opts),
	)
	return cmd
}
