// Package orchestrator drives one user turn through model rounds, tool calls
// and synthesis, and is the boundary the UI talks to.
//
// An Engine owns no entity state of its own. Executions live in the
// governor, stream sessions in the stream registry and tool calls in the
// ledger; the engine only sequences calls into them:
//
//	SubmitTurn -> Begin + AdmitAgents -> per agent: Iterate, stream, tools
//	           -> completing (synthesis) -> completed
//
// Cancel on a root stream id aborts the whole execution in one cascade:
// governor abort, stream sessions of the execution cancelled, ledger sealed,
// in-flight tool calls cancelled. Cancel on an agent stream id
// ("<streamId>.<n>") aborts only that agent.
package orchestrator
