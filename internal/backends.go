package warden

import (
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type backend interface {
	initialize() error
	apply(ip netip.Addr) error
	remove(ip netip.Addr) error
	finalize() error
}

func newBackend(rn *Runner, name string) (backend, error) {
	switch name {
	case "":
		return nil, errors.New("missing configuration value for backend")
	case "auto":
		if isRedHatBased() {
			return &firewalldBackend{runner: rn}, nil
		}
		return &ufwBackend{runner: rn}, nil
	case "firewalld":
		return &firewalldBackend{runner: rn}, nil
	case "ufw":
		return &ufwBackend{runner: rn}, nil
	case "ipset":
		return &ipsetBackend{runner: rn}, nil
	case "nft":
		return &nftBackend{runner: rn}, nil
	case "iptables":
		return &iptablesBackend{newClient: newIptablesClient}, nil
	case "test":
		return newTestBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
}

func checkCommand(e executor, name string, args ...string) error {
	if s, _, err := e.execute(name, args...); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%s: command not found", name)
		}
		return fmt.Errorf("%s: insufficient privileges or service not running: %s", name, strings.TrimSpace(s))
	}
	return nil
}

func family(ip netip.Addr) string {
	if ip.Is4() {
		return "ipv4"
	}
	return "ipv6"
}

type firewalldBackend struct {
	runner *Runner
}

func (b *firewalldBackend) richRule(ip netip.Addr) string {
	return fmt.Sprintf("rule family=%s source address=%s reject", family(ip), ip)
}

// query reports whether the rich rule for ip is present. firewall-cmd exits
// with 0 for "yes" and 1 for "no".
func (b *firewalldBackend) query(ip netip.Addr) (bool, error) {
	s, ec, err := b.runner.executor.execute("firewall-cmd", "--permanent", "--query-rich-rule", b.richRule(ip))
	switch {
	case err == nil:
		return true, nil
	case ec == 1:
		return false, nil
	default:
		return false, fmt.Errorf(`failed to query rich rule for %s: %s`, ip, strings.TrimSpace(s))
	}
}

func (b *firewalldBackend) reload() error {
	if s, _, err := b.runner.executor.execute("firewall-cmd", "--reload"); err != nil {
		return fmt.Errorf("failed to reload firewalld: %s", strings.TrimSpace(s))
	}
	return nil
}

func (b *firewalldBackend) initialize() error {
	return checkCommand(b.runner.executor, "firewall-cmd", "--state")
}

func (b *firewalldBackend) apply(ip netip.Addr) error {
	p, err := b.query(ip)
	if err != nil {
		return err
	}
	if p {
		log.Debug().Stringer("ip", ip).Msg("rich rule already present")
		return nil
	}

	if s, _, err := b.runner.executor.execute("firewall-cmd", "--permanent", "--add-rich-rule", b.richRule(ip)); err != nil {
		return fmt.Errorf(`failed to add rich rule for %s: %s`, ip, strings.TrimSpace(s))
	}

	return b.reload()
}

func (b *firewalldBackend) remove(ip netip.Addr) error {
	p, err := b.query(ip)
	if err != nil {
		return err
	}
	if !p {
		log.Debug().Stringer("ip", ip).Msg("rich rule already absent")
		return nil
	}

	if s, _, err := b.runner.executor.execute("firewall-cmd", "--permanent", "--remove-rich-rule", b.richRule(ip)); err != nil {
		return fmt.Errorf(`failed to remove rich rule for %s: %s`, ip, strings.TrimSpace(s))
	}

	return b.reload()
}

func (b *firewalldBackend) finalize() error {
	return nil
}

type ufwBackend struct {
	runner *Runner
}

func (b *ufwBackend) reload() error {
	if s, _, err := b.runner.executor.execute("ufw", "reload"); err != nil {
		return fmt.Errorf("failed to reload ufw: %s", strings.TrimSpace(s))
	}
	return nil
}

func (b *ufwBackend) initialize() error {
	return checkCommand(b.runner.executor, "ufw", "status")
}

func (b *ufwBackend) apply(ip netip.Addr) error {
	s, _, err := b.runner.executor.execute("ufw", "deny", "from", ip.String())
	if err != nil {
		return fmt.Errorf(`failed to add deny rule for %s: %s`, ip, strings.TrimSpace(s))
	}
	if strings.Contains(s, "Skipping adding existing rule") {
		log.Debug().Stringer("ip", ip).Msg("deny rule already present")
		return nil
	}

	return b.reload()
}

func (b *ufwBackend) remove(ip netip.Addr) error {
	s, _, err := b.runner.executor.execute("ufw", "delete", "deny", "from", ip.String())
	if strings.Contains(s, "Could not delete non-existent rule") {
		log.Debug().Stringer("ip", ip).Msg("deny rule already absent")
		return nil
	}
	if err != nil {
		return fmt.Errorf(`failed to delete deny rule for %s: %s`, ip, strings.TrimSpace(s))
	}

	return b.reload()
}

func (b *ufwBackend) finalize() error {
	return nil
}

type ipsetBackend struct {
	runner     *Runner
	chainName  string
	ipset4Name string
	ipset6Name string
}

func (b *ipsetBackend) setName(ip netip.Addr) string {
	if ip.Is4() {
		return b.ipset4Name
	}
	return b.ipset6Name
}

func (b *ipsetBackend) deleteIpsetsAndIptablesEntries() error {
	if s, ec, _ := b.runner.executor.execute("iptables", "-D", b.chainName, "-j", "DROP", "-m", "set", "--match-set", b.ipset4Name, "src"); ec > 2 {
		return fmt.Errorf(`failed to delete iptables entry for set "%s": %s`, b.ipset4Name, s)
	}
	if s, ec, _ := b.runner.executor.execute("iptables", "-D", "INPUT", "-j", b.chainName); ec > 2 {
		return fmt.Errorf(`failed to delete iptables entry for chain "%s": %s`, b.chainName, s)
	}
	if s, ec, _ := b.runner.executor.execute("iptables", "-X", b.chainName); ec > 2 {
		return fmt.Errorf(`failed to delete iptables chain "%s": %s`, b.chainName, s)
	}
	if s, ec, _ := b.runner.executor.execute("ip6tables", "-D", b.chainName, "-j", "DROP", "-m", "set", "--match-set", b.ipset6Name, "src"); ec > 2 {
		return fmt.Errorf(`failed to delete ip6tables entry for set "%s": %s`, b.ipset6Name, s)
	}
	if s, ec, _ := b.runner.executor.execute("ip6tables", "-D", "INPUT", "-j", b.chainName); ec > 2 {
		return fmt.Errorf(`failed to delete ip6tables entry for chain "%s": %s`, b.chainName, s)
	}
	if s, ec, _ := b.runner.executor.execute("ip6tables", "-X", b.chainName); ec > 2 {
		return fmt.Errorf(`failed to delete ip6tables chain "%s": %s`, b.chainName, s)
	}
	time.Sleep(250 * time.Millisecond) // Workaround for potential kernel lock problems
	if s, ec, _ := b.runner.executor.execute("ipset", "destroy", b.ipset4Name); ec > 1 {
		return fmt.Errorf(`failed to destroy ipset "%s": %s`, b.ipset4Name, s)
	}
	time.Sleep(250 * time.Millisecond) // Workaround for potential kernel lock problems
	if s, ec, _ := b.runner.executor.execute("ipset", "destroy", b.ipset6Name); ec > 1 {
		return fmt.Errorf(`failed to destroy ipset "%s": %s`, b.ipset6Name, s)
	}

	return nil
}

func (b *ipsetBackend) createIpsets() error {
	time.Sleep(250 * time.Millisecond) // Workaround for potential kernel lock problems
	if s, _, err := b.runner.executor.execute("ipset", "create", b.ipset4Name, "hash:ip"); err != nil {
		return fmt.Errorf(`failed to create ipset "%s": %s`, b.ipset4Name, s)
	}
	time.Sleep(250 * time.Millisecond) // Workaround for potential kernel lock problems
	if s, _, err := b.runner.executor.execute("ipset", "create", b.ipset6Name, "hash:ip", "family", "inet6"); err != nil {
		return fmt.Errorf(`failed to create ipset "%s": %s`, b.ipset6Name, s)
	}

	return nil
}

func (b *ipsetBackend) createIptablesEntries() error {
	if s, _, err := b.runner.executor.execute("iptables", "-N", b.chainName); err != nil {
		return fmt.Errorf(`failed to create iptables chain "%s": %s`, b.chainName, s)
	}
	if s, _, err := b.runner.executor.execute("iptables", "-I", b.chainName, "-j", "DROP", "-m", "set", "--match-set", b.ipset4Name, "src"); err != nil {
		return fmt.Errorf(`failed to create iptables entry for set "%s": %s`, b.ipset4Name, s)
	}
	if s, _, err := b.runner.executor.execute("iptables", "-I", "INPUT", "-j", b.chainName); err != nil {
		return fmt.Errorf(`failed to create iptables entry for chain "%s": %s`, b.chainName, s)
	}
	if s, _, err := b.runner.executor.execute("ip6tables", "-N", b.chainName); err != nil {
		return fmt.Errorf(`failed to create ip6tables chain "%s": %s`, b.chainName, s)
	}
	if s, _, err := b.runner.executor.execute("ip6tables", "-I", b.chainName, "-j", "DROP", "-m", "set", "--match-set", b.ipset6Name, "src"); err != nil {
		return fmt.Errorf(`failed to create ip6tables entry for set "%s": %s`, b.ipset6Name, s)
	}
	if s, _, err := b.runner.executor.execute("ip6tables", "-I", "INPUT", "-j", b.chainName); err != nil {
		return fmt.Errorf(`failed to create ip6tables entry for chain "%s": %s`, b.chainName, s)
	}

	return nil
}

func (b *ipsetBackend) initialize() error {
	b.chainName = "warden"
	b.ipset4Name = "warden4"
	b.ipset6Name = "warden6"

	for _, c := range [][]string{{"ipset", "list"}, {"iptables", "-L"}, {"ip6tables", "-L"}} {
		if err := checkCommand(b.runner.executor, c[0], c[1:]...); err != nil {
			return err
		}
	}

	if err := b.deleteIpsetsAndIptablesEntries(); err != nil {
		return fmt.Errorf("failed to delete ipsets and iptables entries: %w", err)
	}
	if err := b.createIpsets(); err != nil {
		return fmt.Errorf("failed to create ipsets: %w", err)
	}
	if err := b.createIptablesEntries(); err != nil {
		return fmt.Errorf("failed to create ip(6)tables entries: %w", err)
	}

	return nil
}

func (b *ipsetBackend) apply(ip netip.Addr) error {
	s := b.setName(ip)
	if o, _, err := b.runner.executor.execute("ipset", "add", "-exist", s, ip.String()); err != nil {
		return fmt.Errorf(`failed to add %s to ipset "%s": %s`, ip, s, strings.TrimSpace(o))
	}
	return nil
}

func (b *ipsetBackend) remove(ip netip.Addr) error {
	s := b.setName(ip)
	if o, _, err := b.runner.executor.execute("ipset", "del", "-exist", s, ip.String()); err != nil {
		return fmt.Errorf(`failed to delete %s from ipset "%s": %s`, ip, s, strings.TrimSpace(o))
	}
	return nil
}

func (b *ipsetBackend) finalize() error {
	if err := b.deleteIpsetsAndIptablesEntries(); err != nil {
		return fmt.Errorf("failed to delete ipsets and ip(6)tables entries: %w", err)
	}
	return nil
}

type nftBackend struct {
	runner     *Runner
	table4Name string
	table6Name string
	set4Name   string
	set6Name   string
}

func (b *nftBackend) target(ip netip.Addr) (string, string, string) {
	if ip.Is4() {
		return "ip", b.table4Name, b.set4Name
	}
	return "ip6", b.table6Name, b.set6Name
}

func (b *nftBackend) createTables() error {
	if s, _, err := b.runner.executor.execute("nft", "add", "table", "ip", b.table4Name); err != nil {
		return fmt.Errorf(`failed to add table "%s": %s`, b.table4Name, s)
	}
	if s, _, err := b.runner.executor.execute("nft", "add", "set", "ip", b.table4Name, b.set4Name, "{ type ipv4_addr; }"); err != nil {
		return fmt.Errorf(`failed to add ip set "%s": %s`, b.table4Name, s)
	}
	if s, _, err := b.runner.executor.execute("nft", "add", "chain", "ip", b.table4Name, "input", "{ type filter hook input priority 0; policy accept; }"); err != nil {
		return fmt.Errorf(`failed to add input chain: %s`, s)
	}
	if s, _, err := b.runner.executor.execute("nft", "flush", "chain", "ip", b.table4Name, "input"); err != nil {
		return fmt.Errorf(`failed to flush input chain: %s`, s)
	}
	if s, _, err := b.runner.executor.execute("nft", "add", "rule", "ip", b.table4Name, "input", "ip", "saddr", "@"+b.set4Name, "reject"); err != nil {
		return fmt.Errorf(`failed to add rule: %s`, s)
	}
	if s, _, err := b.runner.executor.execute("nft", "add", "table", "ip6", b.table6Name); err != nil {
		return fmt.Errorf(`failed to create ip6 table "%s": %s`, b.table6Name, s)
	}
	if s, _, err := b.runner.executor.execute("nft", "add", "set", "ip6", b.table6Name, b.set6Name, "{ type ipv6_addr; }"); err != nil {
		return fmt.Errorf(`failed to add ip set "%s": %s`, b.table6Name, s)
	}
	if s, _, err := b.runner.executor.execute("nft", "add", "chain", "ip6", b.table6Name, "input", "{ type filter hook input priority 0; policy accept; }"); err != nil {
		return fmt.Errorf(`failed to add input chain: %s`, s)
	}
	if s, _, err := b.runner.executor.execute("nft", "flush", "chain", "ip6", b.table6Name, "input"); err != nil {
		return fmt.Errorf(`failed to flush input chain: %s`, s)
	}
	if s, _, err := b.runner.executor.execute("nft", "add", "rule", "ip6", b.table6Name, "input", "ip6", "saddr", "@"+b.set6Name, "reject"); err != nil {
		return fmt.Errorf(`failed to add rule: %s`, s)
	}

	return nil
}

func (b *nftBackend) deleteTables() error {
	if s, _, err := b.runner.executor.execute("nft", "delete", "table", "ip", b.table4Name); err != nil {
		return fmt.Errorf(`failed to delete table "%s": %s`, b.table4Name, s)
	}
	if s, _, err := b.runner.executor.execute("nft", "delete", "table", "ip6", b.table6Name); err != nil {
		return fmt.Errorf(`failed to delete table "%s": %s`, b.table6Name, s)
	}

	return nil
}

func (b *nftBackend) initialize() error {
	b.table4Name = "warden4"
	b.table6Name = "warden6"
	b.set4Name = "set4"
	b.set6Name = "set6"

	if err := checkCommand(b.runner.executor, "nft", "list", "ruleset"); err != nil {
		return err
	}

	if err := b.createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

func (b *nftBackend) apply(ip netip.Addr) error {
	t, tn, sn := b.target(ip)
	if s, ec, err := b.runner.executor.execute("nft", "add", "element", t, tn, sn, fmt.Sprintf("{ %s }", ip)); err != nil {
		if ec == 1 {
			// nft < v1.0.0 fails if the element is already in the set
			return nil
		}
		return fmt.Errorf(`failed to add element to set "%s": %s`, sn, s)
	}

	return nil
}

func (b *nftBackend) remove(ip netip.Addr) error {
	t, tn, sn := b.target(ip)
	if s, ec, err := b.runner.executor.execute("nft", "delete", "element", t, tn, sn, fmt.Sprintf("{ %s }", ip)); err != nil {
		if ec == 1 {
			// Element not in set
			return nil
		}
		return fmt.Errorf(`failed to delete element from set "%s": %s`, sn, s)
	}

	return nil
}

func (b *nftBackend) finalize() error {
	if err := b.deleteTables(); err != nil {
		return fmt.Errorf("failed to delete tables: %w", err)
	}

	return nil
}

type testBackend struct {
	mutex         sync.Mutex
	rules         map[netip.Addr]bool
	applies       int
	removes       int
	initializeErr error
	applyErr      error
	removeErr     error
	finalizeErr   error
}

func (b *testBackend) initialize() error {
	return b.initializeErr
}

func (b *testBackend) apply(ip netip.Addr) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.applies++
	if b.applyErr != nil {
		return b.applyErr
	}
	b.rules[ip] = true
	return nil
}

func (b *testBackend) remove(ip netip.Addr) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.removes++
	if b.removeErr != nil {
		return b.removeErr
	}
	delete(b.rules, ip)
	return nil
}

func (b *testBackend) finalize() error {
	return b.finalizeErr
}

func (b *testBackend) blocked(ip netip.Addr) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.rules[ip]
}

func newTestBackend() *testBackend {
	return &testBackend{rules: make(map[netip.Addr]bool)}
}
