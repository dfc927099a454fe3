package access

// The access package defines the operation model used to declare, up front, which
// parts of state a transaction may touch. Declarations drive the dependency graph:
// two transactions are ordered only if their declared operations conflict. Resource
// types form a tree; an operation on a non-leaf type stands for every resource
// beneath it and therefore must not name a concrete identifier.

import "fmt"

// ResourceType identifies a class of state. Types form a hierarchy rooted at
// ResourceAny; only leaf types own a keyspace prefix in the underlying store.
type ResourceType int

const (
	ResourceAny ResourceType = iota
	ResourceKV
	ResourceKVKey
	ResourceBank
	ResourceBankBalance
	ResourceBankSupply
	ResourceStaking
	ResourceStakingDelegation
	ResourceStakingValidator

	resourceTypeMax
)

// parents encodes the hierarchy. ResourceAny is its own parent sentinel.
var parents = [resourceTypeMax]ResourceType{
	ResourceAny:               ResourceAny,
	ResourceKV:                ResourceAny,
	ResourceKVKey:             ResourceKV,
	ResourceBank:              ResourceAny,
	ResourceBankBalance:       ResourceBank,
	ResourceBankSupply:        ResourceBank,
	ResourceStaking:           ResourceAny,
	ResourceStakingDelegation: ResourceStaking,
	ResourceStakingValidator:  ResourceStaking,
}

// prefixes maps each leaf type to the keyspace prefix it owns. Non-leaf types
// have no prefix; they exist only for scoping declarations.
var prefixes = map[ResourceType]string{
	ResourceKVKey:             "kv/",
	ResourceBankBalance:       "bank/bal/",
	ResourceBankSupply:        "bank/sup/",
	ResourceStakingDelegation: "stk/del/",
	ResourceStakingValidator:  "stk/val/",
}

var children [resourceTypeMax][]ResourceType

func init() {
	for r := ResourceType(1); r < resourceTypeMax; r++ {
		p := parents[r]
		children[p] = append(children[p], r)
	}
}

func (r ResourceType) Valid() bool {
	return r >= ResourceAny && r < resourceTypeMax
}

// IsLeaf reports whether r has no child types. Only leaf operations may carry a
// concrete identifier.
func (r ResourceType) IsLeaf() bool {
	return r.Valid() && len(children[r]) == 0
}

// Parent returns the parent type, or ResourceAny for the root itself.
func (r ResourceType) Parent() ResourceType {
	return parents[r]
}

func (r ResourceType) String() string {
	switch r {
	case ResourceAny:
		return "any"
	case ResourceKV:
		return "kv"
	case ResourceKVKey:
		return "kv.key"
	case ResourceBank:
		return "bank"
	case ResourceBankBalance:
		return "bank.balance"
	case ResourceBankSupply:
		return "bank.supply"
	case ResourceStaking:
		return "staking"
	case ResourceStakingDelegation:
		return "staking.delegation"
	case ResourceStakingValidator:
		return "staking.validator"
	default:
		return fmt.Sprintf("resource(%d)", int(r))
	}
}

// IsAncestor reports whether a is a strict ancestor of b in the hierarchy.
func IsAncestor(a, b ResourceType) bool {
	if !a.Valid() || !b.Valid() {
		return false
	}
	for b != ResourceAny {
		b = parents[b]
		if b == a {
			return true
		}
	}
	return false
}

// Related reports whether one type is a strict ancestor of the other. Two
// distinct types that are related always overlap, regardless of identifiers.
func Related(a, b ResourceType) bool {
	return IsAncestor(a, b) || IsAncestor(b, a)
}

// Key maps a concrete leaf identifier to its store key.
func Key(r ResourceType, id string) []byte {
	prefix, ok := prefixes[r]
	if !ok {
		panic(fmt.Sprintf("access: no keyspace for non-leaf resource %s", r))
	}
	return append([]byte(prefix), id...)
}

// PrefixRange returns the half-open key range [start, end) covering every key a
// leaf type owns. Used to scan a whole resource class.
func PrefixRange(r ResourceType) (start, end []byte) {
	prefix, ok := prefixes[r]
	if !ok {
		panic(fmt.Sprintf("access: no keyspace for non-leaf resource %s", r))
	}
	start = []byte(prefix)
	end = make([]byte, len(start))
	copy(end, start)
	end[len(end)-1]++
	return start, end
}
