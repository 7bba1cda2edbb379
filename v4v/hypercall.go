package v4v

import (
	"fmt"

	"github.com/HPSI/xen-v4v/hv"
	"github.com/HPSI/xen-v4v/wire"
)

// Hypercall dispatches one V4V hypercall for the calling domain and returns
// the numeric result: 0 or a byte count on success, a negative errno on
// failure. Guest handles in the argument registers are resolved against the
// caller's memory.
func (c *Context) Hypercall(caller wire.DomainID, op uint16, a1, a2, a3, a4 uint64) int64 {
	switch op {
	case wire.OpRegisterRing:
		return hv.Errno(c.RegisterRing(caller, a1, a2, uint32(a3)))

	case wire.OpUnregisterRing:
		return hv.Errno(c.UnregisterRing(caller, a1))

	case wire.OpSendv:
		n, err := c.sendvCall(caller, a1, a2, uint32(a3), uint32(a4))
		if err != nil {
			return hv.Errno(err)
		}
		return n

	case wire.OpNotify:
		return hv.Errno(c.Notify(caller, a1))

	case wire.OpTablesAdd:
		return hv.Errno(c.tablesAdd(caller, a1, int(int64(a2))))

	case wire.OpTablesDel:
		return hv.Errno(c.tablesDel(caller, a1, int(int64(a2))))

	case wire.OpTablesList:
		return hv.Errno(c.tablesList(caller, a1))

	case wire.OpInfo:
		return hv.Errno(c.infoCall(caller, a1))

	default:
		return hv.Errno(hv.ErrUnsupported)
	}
}

func (c *Context) callerMemory(caller wire.DomainID) (hv.GuestMemory, func(), error) {
	d, ok := c.host.Domain(caller)
	if !ok {
		return nil, nil, fmt.Errorf("domain %d: %w", caller, hv.ErrInvalidArgument)
	}
	return d.Memory(), d.Put, nil
}

func (c *Context) sendvCall(caller wire.DomainID, addrAddr, iovAddr uint64, niov, msgType uint32) (int64, error) {
	mem, put, err := c.callerMemory(caller)
	if err != nil {
		return 0, err
	}
	var sb [wire.SendAddrSize]byte
	err = mem.CopyIn(addrAddr, sb[:])
	put()
	if err != nil {
		return 0, fmt.Errorf("reading send address block: %w", hv.ErrMemoryFault)
	}
	src, dst := wire.GetSendAddr(sb[:])
	return c.Sendv(caller, src, dst, msgType, iovAddr, niov)
}

func (c *Context) tablesAdd(caller wire.DomainID, ruleAddr uint64, position int) error {
	mem, put, err := c.callerMemory(caller)
	if err != nil {
		return err
	}
	defer put()

	var rb [wire.RuleSize]byte
	if err := mem.CopyIn(ruleAddr, rb[:]); err != nil {
		return fmt.Errorf("reading rule: %w", hv.ErrMemoryFault)
	}
	rule := wire.GetRule(rb[:])
	c.rules.Add(rule, position)
	c.log.Infow("added rule", "rule", ruleString(rule), "position", position)
	return nil
}

func (c *Context) tablesDel(caller wire.DomainID, ruleAddr uint64, position int) error {
	if ruleAddr == 0 {
		c.rules.Del(nil, position)
		if position < 0 {
			c.log.Infow("flushed rules")
		}
		return nil
	}

	mem, put, err := c.callerMemory(caller)
	if err != nil {
		return err
	}
	defer put()

	var rb [wire.RuleSize]byte
	if err := mem.CopyIn(ruleAddr, rb[:]); err != nil {
		return fmt.Errorf("reading rule: %w", hv.ErrMemoryFault)
	}
	rule := wire.GetRule(rb[:])
	c.rules.Del(&rule, position)
	c.log.Infow("deleted rule", "rule", ruleString(rule), "position", position)
	return nil
}

// tablesList fills the guest block at listAddr: the guest supplies
// start_rule and nb_rules as the window, the hypervisor writes back the
// copied rules and the actual count.
func (c *Context) tablesList(caller wire.DomainID, listAddr uint64) error {
	mem, put, err := c.callerMemory(caller)
	if err != nil {
		return err
	}
	defer put()

	var hb [wire.RulesListHeaderSize]byte
	if err := mem.CopyIn(listAddr, hb[:]); err != nil {
		return fmt.Errorf("reading rules list block: %w", hv.ErrMemoryFault)
	}
	hdr := wire.GetRulesListHeader(hb[:])
	if hdr.Magic != wire.RulesListMagic {
		return fmt.Errorf("rules list magic %#x: %w", hdr.Magic, hv.ErrInvalidArgument)
	}

	out := c.rules.List(int(hdr.StartRule), int(hdr.NRules))

	buf := make([]byte, wire.RulesListHeaderSize+wire.RuleSize*len(out))
	wire.PutRulesListHeader(buf, wire.RulesListHeader{
		Magic:     wire.RulesListMagic,
		StartRule: hdr.StartRule,
		NRules:    uint32(len(out)),
	})
	for i, r := range out {
		wire.PutRule(buf[wire.RulesListHeaderSize+wire.RuleSize*i:], r)
	}
	if err := mem.CopyOut(listAddr, buf); err != nil {
		return fmt.Errorf("writing rules list block: %w", hv.ErrMemoryFault)
	}
	return nil
}

func (c *Context) infoCall(caller wire.DomainID, infoAddr uint64) error {
	info, err := c.Info(caller)
	if err != nil {
		return err
	}

	mem, put, err := c.callerMemory(caller)
	if err != nil {
		return err
	}
	defer put()

	var ib [wire.InfoBlockSize]byte
	wire.PutInfoBlock(ib[:], info)
	if err := mem.CopyOut(infoAddr, ib[:]); err != nil {
		return fmt.Errorf("writing info block: %w", hv.ErrMemoryFault)
	}
	return nil
}

func ruleString(r wire.Rule) string {
	verdict := "reject"
	if r.Accept {
		verdict = "accept"
	}
	return fmt.Sprintf("%s %s -> %s", verdict, r.Src, r.Dst)
}
