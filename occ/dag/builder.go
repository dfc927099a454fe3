package dag

import (
	"fmt"

	"github.com/pingcap-incubator/tinyocc/occ/access"
)

// OpRef is one declared operation tagged with the message it came from.
// MsgIndex -1 marks envelope-level operations and the terminal COMMIT.
type OpRef struct {
	MsgIndex int
	Op       access.Operation
}

// kindIndex buckets node ids by identifier for one (resource, kind) pair.
type kindIndex map[access.AccessKind]map[string][]int

type builder struct {
	graph *Graph
	// index holds the non-commit nodes of all fully processed transactions.
	// While transaction t is being placed, the index contains exactly the
	// transactions before t, so lookups can never produce intra-transaction
	// or backwards edges.
	index map[access.ResourceType]kindIndex
}

// Build places every transaction's combined operation list into a dependency
// graph. Each list must end with exactly one COMMIT operation; the operations
// themselves are expected to have passed access.ValidateOps already.
//
// Edges always run from an earlier transaction's COMMIT node to the dependent
// node, so a dependent transaction can only be considered settled once its
// predecessors have fully committed. Within a transaction, nodes form a chain
// in declaration order.
func Build(batch [][]OpRef) (*Graph, error) {
	b := &builder{
		graph: newGraph(len(batch)),
		index: make(map[access.ResourceType]kindIndex),
	}
	for t, ops := range batch {
		if err := checkCommitPlacement(t, ops); err != nil {
			return nil, err
		}
		b.placeTx(t, ops)
	}
	b.graph.finishTxRelations()
	if err := b.graph.checkAcyclic(); err != nil {
		return nil, err
	}
	return b.graph, nil
}

func checkCommitPlacement(txIndex int, ops []OpRef) error {
	if len(ops) == 0 || ops[len(ops)-1].Op.Kind != access.KindCommit {
		return &ErrNoCommit{TxIndex: txIndex}
	}
	for i, ref := range ops[:len(ops)-1] {
		if ref.Op.Kind == access.KindCommit {
			return &ErrStrayCommit{TxIndex: txIndex, Pos: i}
		}
	}
	return nil
}

func (b *builder) placeTx(txIndex int, ops []OpRef) {
	ids := make([]int, len(ops))
	for i, ref := range ops {
		ids[i] = b.graph.addNode(txIndex, ref.MsgIndex, ref.Op)
		if i > 0 {
			b.graph.addEdge(ids[i-1], ids[i])
		}
	}
	b.graph.commitNodes[txIndex] = ids[len(ids)-1]

	for _, id := range ids[:len(ids)-1] {
		n := b.graph.nodes[id]
		fromCommits := b.matchCommits(n.Op)
		for from := range fromCommits {
			b.graph.addEdge(from, id)
		}
	}

	// Only now does the transaction become visible to later ones.
	for _, id := range ids[:len(ids)-1] {
		n := b.graph.nodes[id]
		kinds := b.index[n.Op.Resource]
		if kinds == nil {
			kinds = make(kindIndex)
			b.index[n.Op.Resource] = kinds
		}
		buckets := kinds[n.Op.Kind]
		if buckets == nil {
			buckets = make(map[string][]int)
			kinds[n.Op.Kind] = buckets
		}
		buckets[n.Op.ID] = append(buckets[n.Op.ID], id)
	}
}

// conflictKinds lists the access kinds an operation of kind k depends on.
// A READ is ordered behind earlier writers only; a WRITE or UNKNOWN is
// ordered behind earlier readers as well, since read pairs are the one
// compatible combination.
func conflictKinds(k access.AccessKind) []access.AccessKind {
	if k == access.KindRead {
		return []access.AccessKind{access.KindWrite, access.KindUnknown}
	}
	return []access.AccessKind{access.KindWrite, access.KindUnknown, access.KindRead}
}

// matchCommits returns the COMMIT node ids of every earlier transaction with
// an indexed operation conflicting with op. A related resource type (strict
// ancestor or descendant) matches across all identifiers; the same type
// matches through equal identifiers or a wildcard on either side.
func (b *builder) matchCommits(op access.Operation) map[int]struct{} {
	fromCommits := make(map[int]struct{})
	collect := func(ids []int) {
		for _, id := range ids {
			fromTx := b.graph.nodes[id].TxIndex
			fromCommits[b.graph.commitNodes[fromTx]] = struct{}{}
		}
	}
	for rtype, kinds := range b.index {
		sameType := rtype == op.Resource
		if !sameType && !access.Related(rtype, op.Resource) {
			continue
		}
		for _, kind := range conflictKinds(op.Kind) {
			buckets := kinds[kind]
			if len(buckets) == 0 {
				continue
			}
			if !sameType || op.ID == access.WildcardID {
				for _, ids := range buckets {
					collect(ids)
				}
				continue
			}
			collect(buckets[op.ID])
			collect(buckets[access.WildcardID])
		}
	}
	return fromCommits
}

// ErrNoCommit is returned when a transaction's operation list does not end
// with its COMMIT.
type ErrNoCommit struct {
	TxIndex int
}

func (e *ErrNoCommit) Error() string {
	return fmt.Sprintf("transaction %d has no terminal COMMIT operation", e.TxIndex)
}

// ErrStrayCommit is returned when a COMMIT appears anywhere but the terminal
// position.
type ErrStrayCommit struct {
	TxIndex int
	Pos     int
}

func (e *ErrStrayCommit) Error() string {
	return fmt.Sprintf("transaction %d has COMMIT at position %d, want terminal only", e.TxIndex, e.Pos)
}
