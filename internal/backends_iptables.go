package warden

import (
	"fmt"
	"net/netip"

	"github.com/coreos/go-iptables/iptables"
)

const (
	iptablesTable = "filter"
	iptablesChain = "warden"
)

// iptablesClient is the subset of *iptables.IPTables used by iptablesBackend.
type iptablesClient interface {
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	AppendUnique(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
}

func newIptablesClient(p iptables.Protocol) (iptablesClient, error) {
	ipt, err := iptables.New(iptables.IPFamily(p), iptables.Timeout(5))
	if err != nil {
		return nil, err
	}
	return ipt, nil
}

// iptablesBackend drops banned addresses in a dedicated chain that is
// jumped to from INPUT, one per protocol.
type iptablesBackend struct {
	newClient func(p iptables.Protocol) (iptablesClient, error)
	ipt4      iptablesClient
	ipt6      iptablesClient
}

func (b *iptablesBackend) client(ip netip.Addr) iptablesClient {
	if ip.Is4() {
		return b.ipt4
	}
	return b.ipt6
}

func (b *iptablesBackend) initialize() error {
	var err error
	if b.ipt4, err = b.newClient(iptables.ProtocolIPv4); err != nil {
		return fmt.Errorf("failed to create iptables client: %w", err)
	}
	if b.ipt6, err = b.newClient(iptables.ProtocolIPv6); err != nil {
		return fmt.Errorf("failed to create ip6tables client: %w", err)
	}

	for _, c := range []iptablesClient{b.ipt4, b.ipt6} {
		if err := c.ClearChain(iptablesTable, iptablesChain); err != nil {
			return fmt.Errorf(`failed to clear chain "%s": %w`, iptablesChain, err)
		}
		ok, err := c.Exists(iptablesTable, "INPUT", "-j", iptablesChain)
		if err != nil {
			return fmt.Errorf(`failed to check jump to chain "%s": %w`, iptablesChain, err)
		}
		if !ok {
			if err := c.Insert(iptablesTable, "INPUT", 1, "-j", iptablesChain); err != nil {
				return fmt.Errorf(`failed to add jump to chain "%s": %w`, iptablesChain, err)
			}
		}
	}

	return nil
}

func (b *iptablesBackend) apply(ip netip.Addr) error {
	if err := b.client(ip).AppendUnique(iptablesTable, iptablesChain, "-s", ip.String(), "-j", "DROP"); err != nil {
		return fmt.Errorf("failed to add rule for %s: %w", ip, err)
	}
	return nil
}

func (b *iptablesBackend) remove(ip netip.Addr) error {
	c := b.client(ip)
	ok, err := c.Exists(iptablesTable, iptablesChain, "-s", ip.String(), "-j", "DROP")
	if err != nil {
		return fmt.Errorf("failed to check rule for %s: %w", ip, err)
	}
	if !ok {
		return nil
	}
	if err := c.Delete(iptablesTable, iptablesChain, "-s", ip.String(), "-j", "DROP"); err != nil {
		return fmt.Errorf("failed to delete rule for %s: %w", ip, err)
	}
	return nil
}

func (b *iptablesBackend) finalize() error {
	for _, c := range []iptablesClient{b.ipt4, b.ipt6} {
		if c == nil {
			continue
		}
		if err := c.Delete(iptablesTable, "INPUT", "-j", iptablesChain); err != nil {
			return fmt.Errorf(`failed to delete jump to chain "%s": %w`, iptablesChain, err)
		}
		if err := c.ClearChain(iptablesTable, iptablesChain); err != nil {
			return fmt.Errorf(`failed to clear chain "%s": %w`, iptablesChain, err)
		}
		if err := c.DeleteChain(iptablesTable, iptablesChain); err != nil {
			return fmt.Errorf(`failed to delete chain "%s": %w`, iptablesChain, err)
		}
	}

	return nil
}
