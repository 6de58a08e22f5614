//go:build integration

package nat

import (
	"fmt"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"
)

const (
	natTable     = "nat"
	ingressChain = "EZFWD-INGRESS"
	masqChain    = "EZFWD-MASQ"
)

// linuxProvider manages netfilter NAT rules on Linux using coreos/go-iptables.
// Each rule group is a dedicated chain in the nat table; dispatch rules live
// in EZFWD-INGRESS (hooked from PREROUTING) and return masquerade rules in
// EZFWD-MASQ (hooked from POSTROUTING).
type linuxProvider struct {
	ipt    *iptables.IPTables
	logger *zap.Logger
}

// NewProvider creates a Provider backed by real iptables operations.
func NewProvider(logger *zap.Logger) (Provider, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handle: %w", err)
	}

	return &linuxProvider{
		ipt:    ipt,
		logger: logger,
	}, nil
}

func (p *linuxProvider) EnsureBaseHooks() error {
	hooks := []struct {
		chain  string
		parent string
	}{
		{ingressChain, "PREROUTING"},
		{masqChain, "POSTROUTING"},
	}

	for _, hook := range hooks {
		exists, err := p.ipt.ChainExists(natTable, hook.chain)
		if err != nil {
			return fmt.Errorf("%s: failed to check chain %s: %w", OpEnsureBaseHooks, hook.chain, err)
		}
		if !exists {
			if err := p.ipt.NewChain(natTable, hook.chain); err != nil {
				return fmt.Errorf("%s: failed to create chain %s: %w", OpEnsureBaseHooks, hook.chain, err)
			}
			p.logger.Info("created base chain", zap.String("chain", hook.chain))
		}

		// AppendUnique keeps repeat bootstraps from stacking jump rules.
		if err := p.ipt.AppendUnique(natTable, hook.parent, "-j", hook.chain); err != nil {
			return fmt.Errorf("%s: failed to hook %s from %s: %w", OpEnsureBaseHooks, hook.chain, hook.parent, err)
		}
	}

	return nil
}

func (p *linuxProvider) CreateGroup(name string) error {
	if err := p.ipt.NewChain(natTable, name); err != nil {
		return fmt.Errorf("%s: chain %s: %w", OpCreateGroup, name, err)
	}
	p.logger.Info("created rule group", zap.String("group", name))
	return nil
}

func (p *linuxProvider) FlushGroup(name string) error {
	if err := p.ipt.ClearChain(natTable, name); err != nil {
		return fmt.Errorf("%s: chain %s: %w", OpFlushGroup, name, err)
	}
	return nil
}

func (p *linuxProvider) DeleteGroup(name string) error {
	if err := p.ipt.DeleteChain(natTable, name); err != nil {
		return fmt.Errorf("%s: chain %s: %w", OpDeleteGroup, name, err)
	}
	p.logger.Info("deleted rule group", zap.String("group", name))
	return nil
}

func (p *linuxProvider) AddRedirectRule(group string, protocol Protocol, ingressPort uint16, targetIP string, targetPort uint16) error {
	spec := []string{
		"-p", string(protocol),
		"--dport", strconv.Itoa(int(ingressPort)),
		"-j", "DNAT",
		"--to-destination", fmt.Sprintf("%s:%d", targetIP, targetPort),
	}
	if err := p.ipt.AppendUnique(natTable, group, spec...); err != nil {
		return fmt.Errorf("%s: group %s %s: %w", OpAddRedirect, group, protocol, err)
	}
	return nil
}

// dispatchSpecs builds one jump rule per protocol; iptables port matches
// require an explicit protocol, so a single dispatch covers both.
func dispatchSpecs(ingressPort uint16, group string) [][]string {
	port := strconv.Itoa(int(ingressPort))
	return [][]string{
		{"-p", string(ProtocolUDP), "--dport", port, "-j", group},
		{"-p", string(ProtocolTCP), "--dport", port, "-j", group},
	}
}

func (p *linuxProvider) AddDispatchRule(ingressPort uint16, group string) error {
	specs := dispatchSpecs(ingressPort, group)
	for i, spec := range specs {
		if err := p.ipt.AppendUnique(natTable, ingressChain, spec...); err != nil {
			// Remove any jump already appended: a half-installed dispatch
			// keeps the group chain referenced and undeletable.
			for j := i - 1; j >= 0; j-- {
				if delErr := p.ipt.DeleteIfExists(natTable, ingressChain, specs[j]...); delErr != nil {
					p.logger.Warn("failed to remove partial dispatch rule",
						zap.Uint16("ingress_port", ingressPort),
						zap.String("group", group),
						zap.Error(delErr),
					)
				}
			}
			return fmt.Errorf("%s: port %d -> %s: %w", OpAddDispatch, ingressPort, group, err)
		}
	}
	return nil
}

func (p *linuxProvider) RemoveDispatchRule(ingressPort uint16, group string) error {
	for _, spec := range dispatchSpecs(ingressPort, group) {
		if err := p.ipt.DeleteIfExists(natTable, ingressChain, spec...); err != nil {
			return fmt.Errorf("%s: port %d -> %s: %w", OpRemoveDispatch, ingressPort, group, err)
		}
	}
	return nil
}

func masqSpec(protocol Protocol, targetIP string, targetPort uint16) []string {
	return []string{
		"-d", targetIP,
		"-p", string(protocol),
		"--dport", strconv.Itoa(int(targetPort)),
		"-j", "MASQUERADE",
	}
}

func (p *linuxProvider) AddReturnMasqueradeRule(protocol Protocol, targetIP string, targetPort uint16) error {
	if err := p.ipt.AppendUnique(natTable, masqChain, masqSpec(protocol, targetIP, targetPort)...); err != nil {
		return fmt.Errorf("%s: %s %s:%d: %w", OpAddReturnMasq, protocol, targetIP, targetPort, err)
	}
	return nil
}

func (p *linuxProvider) RemoveReturnMasqueradeRule(protocol Protocol, targetIP string, targetPort uint16) error {
	if err := p.ipt.DeleteIfExists(natTable, masqChain, masqSpec(protocol, targetIP, targetPort)...); err != nil {
		return fmt.Errorf("%s: %s %s:%d: %w", OpRemoveReturnMasq, protocol, targetIP, targetPort, err)
	}
	return nil
}

func (p *linuxProvider) ListTables() ([]string, error) {
	chains, err := p.ipt.ListChains(natTable)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", OpListTables, err)
	}
	return chains, nil
}
