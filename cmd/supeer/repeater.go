package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/1ureka/supeer/internal/lobby"
	"github.com/1ureka/supeer/internal/peer"
	"github.com/1ureka/supeer/internal/repeater"
	"github.com/1ureka/supeer/internal/util"
)

func repeaterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repeater",
		Short: "Expose a peer to local applications as line-delimited JSON over TCP",
	}
	cmd.AddCommand(repeaterHostCmd())
	cmd.AddCommand(repeaterGuestCmd())
	return cmd
}

func repeaterHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Open a lobby and repeat every admitted guest",
		RunE:  runRepeaterHost,
	}
	cmd.Flags().AddFlagSet(portFlags("local port for applications"))
	cmd.Flags().String("code", "", "lobby code; random five digits if empty")
	return cmd
}

func repeaterGuestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guest",
		Short: "Join a lobby and repeat the host link",
		RunE:  runRepeaterGuest,
	}
	cmd.Flags().AddFlagSet(portFlags("local port for applications"))
	cmd.Flags().String("code", "", "lobby code to join")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func localAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func runRepeaterHost(cmd *cobra.Command, args []string) error {
	port, err := getPort(cmd)
	if err != nil {
		return err
	}
	code, _ := cmd.Flags().GetString("code")

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

	host := peer.NewHost(rt.peer)
	defer host.Disconnect()

	l := lobby.New(c, host, code)
	defer l.Close()
	if err := l.Ready(rt.ctx); err != nil {
		return err
	}

	closed := make(chan struct{})
	l.Events().Close.Once(func(struct{}) { close(closed) })

	r, err := repeater.Listen(rt.ctx, repeater.ForHost(host), localAddr(port))
	if err != nil {
		return err
	}
	defer r.Close()

	rt.metrics.Gauge("repeater_guests", "Guests connected to the repeater host.", func() float64 {
		return float64(len(host.Connected()))
	})
	rt.metrics.Gauge("repeater_connections", "Local applications connected to the repeater.", func() float64 {
		return float64(r.Connections())
	})

	util.LogSuccess("lobby open, share this code with guests: %s", l.Code())
	rt.wait(r.Done(), closed)
	return nil
}

func runRepeaterGuest(cmd *cobra.Command, args []string) error {
	port, err := getPort(cmd)
	if err != nil {
		return err
	}
	code, _ := cmd.Flags().GetString("code")
	if code == "" {
		return fmt.Errorf("--code must not be empty")
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
	defer guest.Disconnect()

	disconnected := make(chan struct{})
	guest.Events().Disconnect.Once(func(struct{}) { close(disconnected) })

	if err := lobby.Join(rt.ctx, c, guest, code, rt.joinOptions()); err != nil {
		return err
	}

	r, err := repeater.Listen(rt.ctx, repeater.ForGuest(guest), localAddr(port))
	if err != nil {
		return err
	}
	defer r.Close()

	rt.metrics.Gauge("repeater_connections", "Local applications connected to the repeater.", func() float64 {
		return float64(r.Connections())
	})

	rt.wait(r.Done(), disconnected)
	return nil
}
