package ledger

import (
	"sync"

	"github.com/harun/conduit/pkg/toolexecutor"
)

// AutoApprover decides whether a proposed call is approved without asking a
// human. It only supplies the decision; the ledger records it.
type AutoApprover interface {
	AutoApprove(functionName string) bool
}

// AutoApproveFunc adapts a function to AutoApprover.
type AutoApproveFunc func(functionName string) bool

// AutoApprove calls f.
func (f AutoApproveFunc) AutoApprove(functionName string) bool { return f(functionName) }

// ServerPolicy auto-approves calls by tool-server name. Deny overrides Allow;
// "*" matches every server.
type ServerPolicy struct {
	mu    sync.RWMutex
	allow []string
	deny  []string
}

// NewServerPolicy creates a policy approving the servers in allow.
func NewServerPolicy(allow ...string) *ServerPolicy {
	return &ServerPolicy{allow: allow}
}

// Set replaces the allow and deny lists.
func (p *ServerPolicy) Set(allow, deny []string) {
	p.mu.Lock()
	p.allow = append([]string(nil), allow...)
	p.deny = append([]string(nil), deny...)
	p.mu.Unlock()
}

// AutoApprove implements AutoApprover.
func (p *ServerPolicy) AutoApprove(functionName string) bool {
	if p == nil {
		return false
	}
	server, _, ok := toolexecutor.SplitQualifiedName(functionName)
	if !ok {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, denied := range p.deny {
		if denied == server || denied == "*" {
			return false
		}
	}
	for _, allowed := range p.allow {
		if allowed == server || allowed == "*" {
			return true
		}
	}
	return false
}
