package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/HPSI/xen-v4v/client"
	"github.com/HPSI/xen-v4v/wire"
)

var flags struct {
	Socket string
	Domain uint16
}

var rootCmd = &cobra.Command{
	Use:           "v4vctl",
	Short:         "Control CLI for the V4V host daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.Socket, "socket", "s", "/run/v4v-hostd.sock", "Path to the daemon socket")
	rootCmd.PersistentFlags().Uint16VarP(&flags.Domain, "domain", "d", 0, "Domain to act as")

	rootCmd.AddCommand(domainCmd())
	rootCmd.AddCommand(ringCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(recvCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(waitCmd())
	rootCmd.AddCommand(rulesCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// connect dials the daemon socket with a bounded retry window.
func connect() (*client.Client, error) {
	c, err := client.NewClient(flags.Socket)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func self() wire.DomainID {
	return wire.DomainID(flags.Domain)
}

func domainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage emulated domains",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create the acting domain",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.CreateDomain(self())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "destroy",
		Short: "Destroy the acting domain and all its rings",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DestroyDomain(self())
		},
	})
	return cmd
}

func ringCmd() *cobra.Command {
	var (
		port    uint32
		partner string
		length  uint32
		npage   uint32
		pfn     uint64
	)
	cmd := &cobra.Command{
		Use:   "ring",
		Short: "Manage the acting domain's rings",
	}

	register := &cobra.Command{
		Use:   "register",
		Short: "Lay out and register a ring",
		RunE: func(_ *cobra.Command, _ []string) error {
			p, err := parsePartner(partner)
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.RegisterRing(self(), port, p, length, pfn, npage)
		},
	}
	register.Flags().Uint32Var(&port, "port", 0, "Ring port")
	register.Flags().StringVar(&partner, "partner", "*", "Partner domain id, or * for any")
	register.Flags().Uint32Var(&length, "len", 4048, "Ring payload capacity in bytes")
	register.Flags().Uint32Var(&npage, "npage", 1, "Number of backing pages")
	register.Flags().Uint64Var(&pfn, "pfn", 0x100, "First backing page frame number")
	cmd.AddCommand(register)

	unregister := &cobra.Command{
		Use:   "unregister",
		Short: "Unregister the ring at the given page frame",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.UnregisterRing(self(), pfn)
		},
	}
	unregister.Flags().Uint64Var(&pfn, "pfn", 0x100, "First backing page frame number")
	cmd.AddCommand(unregister)

	return cmd
}

func sendCmd() *cobra.Command {
	var msgType uint32
	cmd := &cobra.Command{
		Use:   "send DST DATA",
		Short: "Send a datagram to DST (dom:port)",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			dst, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			n, err := c.Send(self(), dst, msgType, []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("sent %d bytes\n", n)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&msgType, "type", 0, "Message type tag")
	return cmd
}

func recvCmd() *cobra.Command {
	var (
		port    uint32
		partner string
	)
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Drain one message from the acting domain's ring",
		RunE: func(_ *cobra.Command, _ []string) error {
			p, err := parsePartner(partner)
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			hdr, payload, err := c.Recv(self(), port, p)
			if err != nil {
				return err
			}
			fmt.Printf("from %s type %#x: %q\n", hdr.Source, hdr.Type, payload)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&port, "port", 0, "Ring port")
	cmd.Flags().StringVar(&partner, "partner", "*", "Ring partner domain id, or * for any")
	return cmd
}

func notifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Scan the acting domain's rings and wake satisfied senders",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			_, err = c.Notify(self(), nil)
			return err
		},
	}
}

func queryCmd() *cobra.Command {
	var space uint32
	cmd := &cobra.Command{
		Use:   "query DST",
		Short: "Query the state of the destination ring at DST (dom:port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dst, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			ents, err := c.Notify(self(), []wire.RingDataEnt{{
				Ring:          dst,
				SpaceRequired: space,
			}})
			if err != nil {
				return err
			}
			e := ents[0]
			fmt.Printf("ring %s: flags %s, max message size %d\n",
				e.Ring, flagString(e.Flags), e.MaxMessageSize)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&space, "space", 0, "Free bytes to ask for")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print protocol magics and the acting domain's event port",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			info, err := c.Info(self())
			if err != nil {
				return err
			}
			fmt.Printf("ring magic %#x\ndata magic %#x\nevent port %d\n",
				info.RingMagic, info.DataMagic, info.Port)
			return nil
		},
	}
}

func waitCmd() *cobra.Command {
	var (
		port    uint32
		timeout uint32
	)
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until the acting domain's event port fires",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Wait(self(), port, timeout)
		},
	}
	cmd.Flags().Uint32Var(&port, "port", 1, "Event-channel port")
	cmd.Flags().Uint32Var(&timeout, "timeout", 10000, "Timeout in milliseconds")
	return cmd
}

func flagString(f uint16) string {
	s := ""
	if f&wire.DataFlagExists != 0 {
		s += "exists,"
	}
	if f&wire.DataFlagEmpty != 0 {
		s += "empty,"
	}
	if f&wire.DataFlagSufficient != 0 {
		s += "sufficient,"
	}
	if f&wire.DataFlagPending != 0 {
		s += "pending,"
	}
	if s == "" {
		return "none"
	}
	return s[:len(s)-1]
}
