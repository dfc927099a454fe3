package dag

import (
	"fmt"
	"sort"

	"github.com/pingcap-incubator/tinyocc/occ/access"
)

// Node is one declared operation placed in the dependency graph. Nodes of a
// transaction form a chain in declaration order, terminated by the COMMIT
// node; only COMMIT nodes anchor edges to later transactions.
type Node struct {
	ID      int
	TxIndex int
	// MsgIndex is the message the operation belongs to, -1 for envelope
	// operations such as fee handling, and -1 for the terminal COMMIT.
	MsgIndex int
	Op       access.Operation
}

// Graph is the dependency DAG of one batch. It is built once, read many
// times, and never mutated afterwards.
type Graph struct {
	nodes []Node
	succs [][]int
	preds [][]int

	// commitNodes[t] is the node id of transaction t's COMMIT.
	commitNodes []int
	// txPreds[t] are the distinct transactions whose COMMIT has an edge into
	// any node of t, sorted; txSuccs is the reverse relation.
	txPreds [][]int
	txSuccs [][]int
}

func newGraph(txns int) *Graph {
	return &Graph{
		commitNodes: make([]int, txns),
		txPreds:     make([][]int, txns),
		txSuccs:     make([][]int, txns),
	}
}

func (g *Graph) addNode(txIndex, msgIndex int, op access.Operation) int {
	id := len(g.nodes)
	g.nodes = append(g.nodes, Node{ID: id, TxIndex: txIndex, MsgIndex: msgIndex, Op: op})
	g.succs = append(g.succs, nil)
	g.preds = append(g.preds, nil)
	return id
}

func (g *Graph) addEdge(from, to int) {
	g.succs[from] = append(g.succs[from], to)
	g.preds[to] = append(g.preds[to], from)
}

func (g *Graph) NumTxns() int {
	return len(g.commitNodes)
}

func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

func (g *Graph) Node(id int) Node {
	return g.nodes[id]
}

func (g *Graph) CommitNode(txIndex int) int {
	return g.commitNodes[txIndex]
}

// TxPredecessors returns the transactions whose commit must precede any run
// of txIndex being considered settled, sorted ascending.
func (g *Graph) TxPredecessors(txIndex int) []int {
	return g.txPreds[txIndex]
}

// TxDependents returns the transactions with a declared dependency on
// txIndex, sorted ascending.
func (g *Graph) TxDependents(txIndex int) []int {
	return g.txSuccs[txIndex]
}

// finishTxRelations derives the per-transaction relations from the raw edges.
func (g *Graph) finishTxRelations() {
	predSets := make([]map[int]struct{}, g.NumTxns())
	for i := range predSets {
		predSets[i] = make(map[int]struct{})
	}
	for from, tos := range g.succs {
		fromTx := g.nodes[from].TxIndex
		for _, to := range tos {
			toTx := g.nodes[to].TxIndex
			if fromTx != toTx {
				predSets[toTx][fromTx] = struct{}{}
			}
		}
	}
	for t, set := range predSets {
		for p := range set {
			g.txPreds[t] = append(g.txPreds[t], p)
			g.txSuccs[p] = append(g.txSuccs[p], t)
		}
	}
	for t := range g.txPreds {
		sort.Ints(g.txPreds[t])
		sort.Ints(g.txSuccs[t])
	}
}

const (
	colorWhite = iota
	colorGrey
	colorBlack
)

// checkAcyclic walks the whole graph and returns an ErrCycle naming the
// transactions on the first cycle found. A valid build cannot produce one, so
// hitting this means the graph was corrupted and the batch must be rejected.
func (g *Graph) checkAcyclic() error {
	colors := make([]int, len(g.nodes))
	var path []int
	var visit func(id int) *ErrCycle
	visit = func(id int) *ErrCycle {
		colors[id] = colorGrey
		path = append(path, id)
		for _, next := range g.succs[id] {
			switch colors[next] {
			case colorGrey:
				return g.cycleError(path, next)
			case colorWhite:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		colors[id] = colorBlack
		return nil
	}
	for id := range g.nodes {
		if colors[id] == colorWhite {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) cycleError(path []int, reentry int) *ErrCycle {
	start := 0
	for i, id := range path {
		if id == reentry {
			start = i
			break
		}
	}
	err := &ErrCycle{}
	seen := make(map[int]bool)
	for _, id := range path[start:] {
		tx := g.nodes[id].TxIndex
		if !seen[tx] {
			seen[tx] = true
			err.TxIndexes = append(err.TxIndexes, tx)
		}
	}
	return err
}

// ErrCycle reports a dependency cycle. The whole batch is rejected when one
// is found; nothing based on a cyclic graph may execute.
type ErrCycle struct {
	TxIndexes []int
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("dependency cycle through transactions %v", e.TxIndexes)
}
