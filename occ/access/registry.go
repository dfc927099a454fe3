package access

import (
	"fmt"
	"sync"

	"github.com/ngaut/log"
)

// Message is a decoded transaction payload. The registry routes on its type
// string; the engine routes execution the same way.
type Message interface {
	Type() string
}

// Declarer produces the access operations a message will perform, given the
// message and the transaction's signing account. Declarations may be
// conservative (UNKNOWN, wildcards) but must cover every access the handler
// can make; an undeclared access surfaces later as a validation abort.
type Declarer interface {
	DeclareOps(msg Message, signer string) ([]Operation, error)
}

// DeclarerFunc adapts a plain function to the Declarer interface.
type DeclarerFunc func(msg Message, signer string) ([]Operation, error)

func (f DeclarerFunc) DeclareOps(msg Message, signer string) ([]Operation, error) {
	return f(msg, signer)
}

// Registry maps message types to their declarers. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	declarers map[string]Declarer
}

func NewRegistry() *Registry {
	return &Registry{declarers: make(map[string]Declarer)}
}

// Register binds a declarer to a message type. Double registration is a
// programming error.
func (r *Registry) Register(msgType string, d Declarer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.declarers[msgType]; ok {
		panic(fmt.Sprintf("access: declarer for %q registered twice", msgType))
	}
	r.declarers[msgType] = d
}

// DeclareMessage returns the declared operations for one message. A message
// type with no registered declarer falls back to the conservative
// whole-hierarchy UNKNOWN declaration rather than failing: missing knowledge
// costs parallelism, not correctness.
func (r *Registry) DeclareMessage(msg Message, signer string) ([]Operation, error) {
	r.mu.RLock()
	d, ok := r.declarers[msg.Type()]
	r.mu.RUnlock()
	if !ok {
		log.Debugf("no declarer for message type %s, falling back to conservative declaration", msg.Type())
		return ConservativeOps(), nil
	}
	return d.DeclareOps(msg, signer)
}
