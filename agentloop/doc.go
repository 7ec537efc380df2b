// Package agentloop implements the agent loop of an interactive coding agent.
//
// A Soul drives one user turn at a time. Each turn is a sequence of steps:
// the conversation is sent to the model, the streamed reply is forwarded to
// the wire bus, and the tool calls it requests are executed before the next
// step. The turn ends when the model stops calling tools, a call is rejected
// or an error occurs.
//
// # Architecture
//
//   - Soul: the turn and step state machine. It checkpoints the
//     conversation before every step, compacts it when it grows too large,
//     retries transient model errors and delivers D-Mails.
//   - Coordinator: runs one batch of tool calls. Approvals are requested one
//     at a time in call order; each approved call executes at once in its
//     own goroutine.
//   - Toolset: tool registration, lookup and JSON-schema validation of
//     arguments.
//   - DenwaRenji: holds a D-Mail, a message sent back to an earlier
//     checkpoint by the send_dmail tool.
//   - SubagentManager: backs the task tool, which runs a child Soul on a
//     fresh conversation and returns its final answer.
//
// # Quick Start
//
//	bus := wire.NewBus()
//	history := conversation.New()
//	gate := approval.NewGate(bus)
//	soul := agentloop.NewSoul(provider, history, bus, gate, agentloop.NewToolset(tools...),
//	    agentloop.WithSystemPrompt(agentloop.BuildSystemPrompt(agentloop.PromptOptions{WorkDir: dir})),
//	)
//
//	sub := bus.SubscribeMerged()
//	go render(sub)
//
//	if err := soul.Run(ctx, "Add a unit test for the parser"); err != nil {
//	    log.Print(err)
//	}
package agentloop
