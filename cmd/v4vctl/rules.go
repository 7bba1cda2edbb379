package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/HPSI/xen-v4v/wire"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage the global send policy table",
	}
	cmd.AddCommand(rulesAddCmd())
	cmd.AddCommand(rulesDelCmd())
	cmd.AddCommand(rulesFlushCmd())
	cmd.AddCommand(rulesListCmd())
	return cmd
}

func rulesAddCmd() *cobra.Command {
	var (
		reject   bool
		src, dst string
		position int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Insert a rule (first match wins)",
		RunE: func(_ *cobra.Command, _ []string) error {
			rule, err := parseRule(!reject, src, dst)
			if err != nil {
				return err
			}
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.AddRule(self(), rule, position)
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject matching sends instead of accepting")
	cmd.Flags().StringVar(&src, "src", "*:*", "Source address pattern (dom:port, * wildcards)")
	cmd.Flags().StringVar(&dst, "dst", "*:*", "Destination address pattern")
	cmd.Flags().IntVar(&position, "pos", 0, "1-based insert position (0 appends)")
	return cmd
}

func rulesDelCmd() *cobra.Command {
	var (
		reject   bool
		src, dst string
		position int
	)
	cmd := &cobra.Command{
		Use:   "del",
		Short: "Delete a rule by position or exact match",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			if position >= 1 {
				return c.DelRule(self(), nil, position)
			}
			rule, err := parseRule(!reject, src, dst)
			if err != nil {
				return err
			}
			return c.DelRule(self(), &rule, 0)
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "Match a reject rule")
	cmd.Flags().StringVar(&src, "src", "*:*", "Source address pattern")
	cmd.Flags().StringVar(&dst, "dst", "*:*", "Destination address pattern")
	cmd.Flags().IntVar(&position, "pos", 0, "1-based position to delete")
	return cmd
}

func rulesFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Remove every rule",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DelRule(self(), nil, -1)
		},
	}
}

func rulesListCmd() *cobra.Command {
	var (
		filter string
		limit  uint32
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in match order",
		RunE: func(_ *cobra.Command, _ []string) error {
			g, err := glob.Compile(filter)
			if err != nil {
				return fmt.Errorf("bad filter %q: %w", filter, err)
			}
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			rules, err := c.ListRules(self(), 0, limit)
			if err != nil {
				return err
			}
			for i, r := range rules {
				line := fmt.Sprintf("%s -> %s", r.Src, r.Dst)
				if !g.Match(line) {
					continue
				}
				verdict := "accept"
				if !r.Accept {
					verdict = "reject"
				}
				fmt.Printf("%3d  %-6s  %s\n", i+1, verdict, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "*", "Glob over \"src -> dst\" lines")
	cmd.Flags().Uint32Var(&limit, "limit", 256, "Maximum rules to fetch")
	return cmd
}

// parseAddress parses "dom:port" where either side may be "*".
func parseAddress(s string) (wire.Address, error) {
	dom, port, ok := strings.Cut(s, ":")
	if !ok {
		return wire.Address{}, fmt.Errorf("address %q: want dom:port", s)
	}

	var a wire.Address
	if dom == "*" {
		a.Domain = wire.DomainAny
	} else {
		d, err := strconv.ParseUint(dom, 0, 16)
		if err != nil {
			return wire.Address{}, fmt.Errorf("domain in %q: %w", s, err)
		}
		a.Domain = wire.DomainID(d)
	}
	if port == "*" {
		a.Port = wire.PortAny
	} else {
		p, err := strconv.ParseUint(port, 0, 32)
		if err != nil {
			return wire.Address{}, fmt.Errorf("port in %q: %w", s, err)
		}
		a.Port = uint32(p)
	}
	return a, nil
}

func parsePartner(s string) (wire.DomainID, error) {
	if s == "*" {
		return wire.DomainAny, nil
	}
	d, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("partner %q: %w", s, err)
	}
	return wire.DomainID(d), nil
}

func parseRule(accept bool, src, dst string) (wire.Rule, error) {
	s, err := parseAddress(src)
	if err != nil {
		return wire.Rule{}, err
	}
	d, err := parseAddress(dst)
	if err != nil {
		return wire.Rule{}, err
	}
	return wire.Rule{Accept: accept, Src: s, Dst: d}, nil
}
