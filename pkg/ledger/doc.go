// Package ledger records every tool call an assistant proposes and gates its
// execution on an explicit approval.
//
// Per call: pending -> approved | denied, approved -> executed | error.
// denied, executed and error are terminal; any transition out of them fails
// with *errdefs.ToolCallAlreadyFinalizedError. An approved call is handed to
// the Executor exactly once.
//
// Seal is the abort cascade for one execution: pending calls become denied,
// in-flight calls become error("aborted"), and the ledger publishes nothing
// further for that execution.
package ledger
