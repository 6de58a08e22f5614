package nat

// Protocol identifies the transport protocol of a forwarding rule.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// Operation names used for diagnostics and failure injection in tests.
const (
	OpEnsureBaseHooks  = "ensure_base_hooks"
	OpCreateGroup      = "create_group"
	OpFlushGroup       = "flush_group"
	OpDeleteGroup      = "delete_group"
	OpAddRedirect      = "add_redirect_rule"
	OpAddDispatch      = "add_dispatch_rule"
	OpRemoveDispatch   = "remove_dispatch_rule"
	OpAddReturnMasq    = "add_return_masquerade_rule"
	OpRemoveReturnMasq = "remove_return_masquerade_rule"
	OpListTables       = "list_tables"
)

// Provider abstracts the packet-filter engine behind the primitive rule
// operations the provisioning protocol needs. On Linux (integration
// builds) it drives netfilter NAT chains; otherwise an in-memory fake
// is used for development and testing.
//
// Each call either succeeds or returns a structured failure; callers
// treat any non-nil error as a step failure. Implementations must be
// safe for concurrent use.
type Provider interface {
	// EnsureBaseHooks idempotently creates the ingress-dispatch and
	// egress-masquerade hook points. Never fails because a hook
	// already exists.
	EnsureBaseHooks() error

	// Rule-group lifecycle. A group scopes all per-session rules so
	// they can be located and removed as a unit.
	CreateGroup(name string) error
	FlushGroup(name string) error
	DeleteGroup(name string) error

	// AddRedirectRule adds a DNAT rule inside group redirecting
	// protocol traffic on ingressPort to targetIP:targetPort.
	AddRedirectRule(group string, protocol Protocol, ingressPort uint16, targetIP string, targetPort uint16) error

	// Dispatch rules route inbound traffic on ingressPort from the
	// base ingress hook into the session's group.
	AddDispatchRule(ingressPort uint16, group string) error
	RemoveDispatchRule(ingressPort uint16, group string) error

	// Return-path masquerade rules rewrite the source of traffic
	// leaving for targetIP:targetPort so replies route back through
	// this host.
	AddReturnMasqueradeRule(protocol Protocol, targetIP string, targetPort uint16) error
	RemoveReturnMasqueradeRule(protocol Protocol, targetIP string, targetPort uint16) error

	// ListTables probes the packet-filter engine and returns the
	// chains it manages. Failure indicates the engine is unreachable
	// or misconfigured.
	ListTables() ([]string, error)
}
