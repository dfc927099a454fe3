package access

import "fmt"

// AccessKind classifies how an operation touches its resource.
type AccessKind int

const (
	KindRead AccessKind = iota + 1
	KindWrite
	// KindUnknown is the conservative fallback for messages whose access pattern
	// cannot be declared precisely. It conflicts with everything.
	KindUnknown
	// KindCommit marks the synthetic terminal operation of a transaction. It is
	// appended by the engine, never declared, and is the sole anchor for
	// cross-transaction dependency edges.
	KindCommit
)

func (k AccessKind) Valid() bool {
	return k >= KindRead && k <= KindCommit
}

func (k AccessKind) String() string {
	switch k {
	case KindRead:
		return "READ"
	case KindWrite:
		return "WRITE"
	case KindUnknown:
		return "UNKNOWN"
	case KindCommit:
		return "COMMIT"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// WildcardID scopes an operation to every identifier of its resource type.
// Operations on non-leaf types must use it.
const WildcardID = "*"

// Operation is one declared access: a resource type, how it is accessed, and
// which identifier within the type (or the wildcard).
type Operation struct {
	Resource ResourceType
	Kind     AccessKind
	ID       string
}

func (op Operation) String() string {
	return fmt.Sprintf("%s %s[%s]", op.Kind, op.Resource, op.ID)
}

// CommitOp returns the synthetic terminal operation appended to every
// transaction's declaration list.
func CommitOp() Operation {
	return Operation{Resource: ResourceAny, Kind: KindCommit, ID: WildcardID}
}

// ConservativeOps is the declaration used when nothing is known about a
// message: one UNKNOWN access over the whole hierarchy.
func ConservativeOps() []Operation {
	return []Operation{{Resource: ResourceAny, Kind: KindUnknown, ID: WildcardID}}
}

// Validate checks a single declared operation. Every declaration in a batch
// passes through here once, before graph construction; individual components
// downstream trust validated operations and do not re-check.
func (op Operation) Validate() error {
	if !op.Resource.Valid() {
		return &ErrBadResource{Resource: op.Resource}
	}
	if !op.Kind.Valid() {
		return &ErrBadKind{Kind: op.Kind}
	}
	if !op.Resource.IsLeaf() && op.ID != WildcardID {
		return &ErrNonLeafID{Op: op}
	}
	if op.ID == "" {
		return &ErrEmptyID{Op: op}
	}
	return nil
}

// ValidateOps checks a transaction's combined declaration list. Declared
// operations must not include COMMIT; the engine appends it after validation.
// max bounds the list length, <= 0 meaning unbounded.
func ValidateOps(ops []Operation, max int) error {
	if max > 0 && len(ops) > max {
		return &ErrTooManyOps{Count: len(ops), Max: max}
	}
	for i, op := range ops {
		if op.Kind == KindCommit {
			return &ErrDeclaredCommit{Index: i}
		}
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ScopeOverlaps reports whether two operations can touch the same state.
// Distinct resource types overlap exactly when one is an ancestor of the
// other, identifiers notwithstanding; within one type the identifiers must
// match or one must be the wildcard.
func (op Operation) ScopeOverlaps(other Operation) bool {
	if op.Resource != other.Resource {
		return Related(op.Resource, other.Resource)
	}
	return op.ID == WildcardID || other.ID == WildcardID || op.ID == other.ID
}

// Conflicts reports whether two operations from different transactions must be
// ordered. Reads never conflict with reads; COMMIT operations are anchors and
// never conflict themselves.
func (op Operation) Conflicts(other Operation) bool {
	if op.Kind == KindCommit || other.Kind == KindCommit {
		return false
	}
	if op.Kind == KindRead && other.Kind == KindRead {
		return false
	}
	return op.ScopeOverlaps(other)
}

// ConcreteKey returns the store key an operation pins down, if it does: only a
// leaf operation with a concrete identifier maps to a single key. Wildcard and
// non-leaf operations are unpredictable and return false.
func (op Operation) ConcreteKey() ([]byte, bool) {
	if !op.Resource.IsLeaf() || op.ID == WildcardID {
		return nil, false
	}
	return Key(op.Resource, op.ID), true
}

// ErrBadResource is returned for a declaration naming an undefined resource type.
type ErrBadResource struct {
	Resource ResourceType
}

func (e *ErrBadResource) Error() string {
	return fmt.Sprintf("unknown resource type %d", int(e.Resource))
}

// ErrBadKind is returned for a declaration naming an undefined access kind.
type ErrBadKind struct {
	Kind AccessKind
}

func (e *ErrBadKind) Error() string {
	return fmt.Sprintf("unknown access kind %d", int(e.Kind))
}

// ErrNonLeafID is returned when a non-leaf operation carries a concrete
// identifier. Non-leaf scopes cover whole subtrees and must use the wildcard.
type ErrNonLeafID struct {
	Op Operation
}

func (e *ErrNonLeafID) Error() string {
	return fmt.Sprintf("non-leaf resource %s requires wildcard identifier, got %q", e.Op.Resource, e.Op.ID)
}

type ErrEmptyID struct {
	Op Operation
}

func (e *ErrEmptyID) Error() string {
	return fmt.Sprintf("operation on %s has empty identifier", e.Op.Resource)
}

// ErrDeclaredCommit is returned when a declarer emits a COMMIT operation.
type ErrDeclaredCommit struct {
	Index int
}

func (e *ErrDeclaredCommit) Error() string {
	return fmt.Sprintf("declaration %d is COMMIT, which only the engine may append", e.Index)
}

type ErrTooManyOps struct {
	Count int
	Max   int
}

func (e *ErrTooManyOps) Error() string {
	return fmt.Sprintf("declared %d operations, limit is %d", e.Count, e.Max)
}
