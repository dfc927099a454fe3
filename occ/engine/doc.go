package engine

// The engine package ties the execution pipeline together. It takes an
// ordered batch of decoded transactions as input and turns it into one atomic
// update of the underlying store, executing transactions in parallel where
// their declared access operations allow it.
//
// The pipeline has four stages. First every transaction's messages are asked
// for their access operations through the declarer registry, the combined
// list is validated once, centrally, and the terminal COMMIT operation is
// appended. Second the declaration lists are placed into a dependency graph:
// transactions whose operations conflict are ordered, everything else may
// run concurrently. Third the scheduler drives the graph to completion
// against a multi-version store, running transactions speculatively,
// validating their recorded reads once their predecessors settled, and
// retrying the ones that observed stale state. Last the settled write sets
// are flattened and committed to the base store in a single batch.
//
// Failures split three ways. Modeling errors, meaning invalid declarations
// or a cyclic graph, reject the whole batch before anything executes; they
// are deterministic defects that would recur on every node. A transaction
// whose own logic fails is reported failed with its error and persists
// nothing, but the batch continues around it. Scheduling aborts, from stale
// reads or estimate hits, are invisible here: the scheduler retries them
// internally and only a transaction that exhausts its retries surfaces,
// reported failed like any other.
//
// Handlers receive a transaction-scoped view of the store. Reads through the
// view resolve against the writes of lower-indexed transactions and the base
// store; writes stay buffered in the view until the run completes. A handler
// must keep its accesses within the scope its message declared, since the
// dependency graph orders only what was declared.
