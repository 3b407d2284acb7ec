// Package governor admits agent executions against the swarm limits and owns
// every AgentExecution and its agent cards.
//
// Admission checks run in a fixed order and stop at the first violated
// ceiling:
//
//  1. maxActiveSwarms: other non-terminal executions
//  2. maxSwarmSize: agents already in the execution
//  3. maxParallelAgents: requested parallel agents
//  4. maxIterations: iterations so far
//  5. maxConversationLength: messages in the conversation so far
//
// A rejection returns *errdefs.ResourceLimitExceeded and moves the execution
// to failed. Limits are read from the LimitsSource on every check.
package governor
