package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/1ureka/supeer/internal/courier"
	"github.com/1ureka/supeer/internal/util"
)

func signalServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal-server",
		Short: "Relay courier broadcasts between every connected participant",
		RunE:  runSignalServer,
	}
	cmd.Flags().AddFlagSet(portFlags("port to listen on"))
	return cmd
}

func runSignalServer(cmd *cobra.Command, args []string) error {
	port, err := getPort(cmd)
	if err != nil {
		return err
	}

	rt, stop, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()

	srv, err := courier.ListenSignalServer(fmt.Sprintf(":%d", port), rt.writer)
	if err != nil {
		return err
	}
	defer srv.Close()

	rt.metrics.Gauge("signal_server_connections", "Participants connected to the signal server.", func() float64 {
		return float64(srv.Count())
	})

	util.LogSuccess("signal server listening on %s", srv.Addr())
	rt.wait()
	return nil
}
