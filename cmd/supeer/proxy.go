package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/1ureka/supeer/internal/peer"
	"github.com/1ureka/supeer/internal/proxy"
	"github.com/1ureka/supeer/internal/util"
)

func proxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Tunnel TCP connections over a peer link",
	}
	cmd.AddCommand(proxyServerCmd())
	cmd.AddCommand(proxyClientCmd())
	return cmd
}

func proxyServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Expose a local TCP port to remote proxy clients",
		RunE:  runProxyServer,
	}
	cmd.Flags().AddFlagSet(portFlags("local port of the service to expose"))
	return cmd
}

func proxyClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Listen on a local port and tunnel it to a proxy server",
		RunE:  runProxyClient,
	}
	cmd.Flags().AddFlagSet(portFlags("local port to listen on"))
	cmd.Flags().String("dest", "", "lobby code of the proxy server (address:port)")
	return cmd
}

func runProxyServer(cmd *cobra.Command, args []string) error {
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

	settings := rt.cfg.Settings.Proxy
	srv, err := proxy.NewServer(rt.ctx, c, peer.NewHost(rt.peer), port, proxy.ServerOptions{
		Address: proxy.AddressOptions{
			IPv4: settings.IPv4,
			APIs: settings.IPv4API,
		},
		DialTimeout: settings.DialTimeout.Std(),
	})
	if err != nil {
		return err
	}
	defer srv.Discard()

	rt.metrics.Gauge("proxy_guests", "Guests connected to the proxy server.", func() float64 {
		return float64(len(srv.Clusters()))
	})

	util.LogSuccess("proxy server ready, share this code with clients: %s", srv.Code())
	rt.wait(srv.Done())
	return nil
}

func runProxyClient(cmd *cobra.Command, args []string) error {
	port, err := getPort(cmd)
	if err != nil {
		return err
	}
	dest, _ := cmd.Flags().GetString("dest")
	if err := validateDest(dest); err != nil {
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

	guest, err := peer.NewGuest(rt.peer)
	if err != nil {
		return fmt.Errorf("create guest: %w", err)
	}

	cl, err := proxy.NewClient(rt.ctx, c, guest, port, dest, proxy.ClientOptions{
		ListenHost: rt.cfg.Settings.Proxy.ListenHost,
		Join:       rt.joinOptions(),
	})
	if err != nil {
		return err
	}
	defer cl.Discard()

	rt.metrics.Gauge("proxy_connections", "Local connections tunnelled by the proxy client.", func() float64 {
		return float64(len(cl.Connections()))
	})

	util.LogSuccess("proxy client listening on %s, forwarding to %s", cl.Addr(), dest)
	rt.wait(cl.Done())
	return nil
}
