package main

import (
	"github.com/spf13/cobra"

	"github.com/1ureka/supeer/internal/bridge"
)

func bridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Share the signal courier with local WebSocket clients",
		RunE:  runBridge,
	}
	cmd.Flags().AddFlagSet(portFlags("local port for WebSocket clients"))
	return cmd
}

func runBridge(cmd *cobra.Command, args []string) error {
	port, err := getPort(cmd)
	if err != nil {
		return err
	}

	rt, stop, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()

	c, err := rt.courier(cmd)
	if err != nil {
		return err
	}
	defer c.Discard()

	b, err := bridge.Listen(rt.ctx, c, localAddr(port))
	if err != nil {
		return err
	}
	defer b.Close()

	rt.metrics.Gauge("bridge_sockets", "WebSocket clients connected to the bridge.", func() float64 {
		return float64(b.Sockets())
	})

	rt.wait(b.Done())
	return nil
}
