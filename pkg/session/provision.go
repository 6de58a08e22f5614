package session

import (
	"errors"

	"github.com/easzlab/ezfwd/pkg/nat"
	"go.uber.org/zap"
)

// provisionStep is one primitive provider operation in the install
// sequence plus its inverse. A nil undo means the step leaves nothing
// behind that the group flush does not already remove. Steps marked
// masq install rules keyed by target endpoint rather than by session;
// their undos must be skipped while another session still references
// the same endpoint.
type provisionStep struct {
	name  string
	apply func() error
	undo  func() error
	masq  bool
}

// installSteps builds the ordered install sequence for a session. The
// provider offers no transaction primitive, so atomicity-in-effect
// comes from scoping rules in one group and replaying the undo list on
// partial failure.
func installSteps(provider nat.Provider, s *Session) []provisionStep {
	return []provisionStep{
		{
			name:  nat.OpCreateGroup,
			apply: func() error { return provider.CreateGroup(s.group) },
			undo: func() error {
				// The group must be emptied before it can be removed.
				if err := provider.FlushGroup(s.group); err != nil {
					return err
				}
				return provider.DeleteGroup(s.group)
			},
		},
		{
			name: "add_udp_redirect_rule",
			apply: func() error {
				return provider.AddRedirectRule(s.group, nat.ProtocolUDP, s.IngressPort, s.TargetIP, s.TargetPort)
			},
			// removed by the group flush
		},
		{
			name: "add_tcp_redirect_rule",
			apply: func() error {
				return provider.AddRedirectRule(s.group, nat.ProtocolTCP, s.IngressPort, s.TargetIP, s.TargetPort)
			},
		},
		{
			name:  nat.OpAddDispatch,
			apply: func() error { return provider.AddDispatchRule(s.IngressPort, s.group) },
			undo:  func() error { return provider.RemoveDispatchRule(s.IngressPort, s.group) },
		},
		{
			name: "add_udp_return_masquerade_rule",
			apply: func() error {
				return provider.AddReturnMasqueradeRule(nat.ProtocolUDP, s.TargetIP, s.TargetPort)
			},
			undo: func() error {
				return provider.RemoveReturnMasqueradeRule(nat.ProtocolUDP, s.TargetIP, s.TargetPort)
			},
			masq: true,
		},
		{
			name: "add_tcp_return_masquerade_rule",
			apply: func() error {
				return provider.AddReturnMasqueradeRule(nat.ProtocolTCP, s.TargetIP, s.TargetPort)
			},
			undo: func() error {
				return provider.RemoveReturnMasqueradeRule(nat.ProtocolTCP, s.TargetIP, s.TargetPort)
			},
			masq: true,
		},
	}
}

// install runs the install sequence in order. On the first failure it
// returns the steps applied so far together with a ProvisioningError
// for the failed step; the caller decides how the rollback treats
// endpoint-shared rules and then replays the undo list.
func install(provider nat.Provider, s *Session, logger *zap.Logger) ([]provisionStep, error) {
	steps := installSteps(provider, s)

	for i, step := range steps {
		if err := step.apply(); err != nil {
			logger.Error("install step failed",
				zap.String("session", s.ID),
				zap.String("step", step.name),
				zap.Error(err),
			)
			return steps[:i], &ProvisioningError{Step: step.name, Err: err}
		}
	}
	return nil, nil
}

// rollback undoes applied steps in reverse order. Each undo is
// best-effort: failures are logged and do not stop the remaining undos.
// When removeMasq is false the return-masquerade undos are skipped
// because another session still forwards to the same target endpoint.
func rollback(applied []provisionStep, s *Session, logger *zap.Logger, removeMasq bool) {
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		if step.undo == nil {
			continue
		}
		if step.masq && !removeMasq {
			continue
		}
		if err := step.undo(); err != nil {
			logger.Warn("rollback step failed",
				zap.String("session", s.ID),
				zap.String("step", step.name),
				zap.Error(err),
			)
		}
	}
}

// teardown removes a session's rules: return-path rules first, then the
// dispatch rule, then the flushed group. Every step runs regardless of
// earlier failures so resource release is never blocked; the collected
// errors are returned for reporting. When removeMasq is false the
// return-masquerade rules are left in place for the other sessions
// that share the target endpoint.
func teardown(provider nat.Provider, s *Session, logger *zap.Logger, removeMasq bool) error {
	steps := installSteps(provider, s)

	var teardownErrors []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.undo == nil {
			continue
		}
		if step.masq && !removeMasq {
			continue
		}
		if err := step.undo(); err != nil {
			logger.Warn("teardown step failed",
				zap.String("session", s.ID),
				zap.String("step", step.name),
				zap.Error(err),
			)
			teardownErrors = append(teardownErrors, err)
		}
	}

	return errors.Join(teardownErrors...)
}
