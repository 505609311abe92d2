// Package agent runs conversational turns: it builds the system prompt from
// what is known about the counterpart, calls a model backend, executes the
// tool calls the model requests, and repeats until the model answers in
// plain text.
//
// Invariants:
//   - At most one turn is in flight per conversation key.
//   - A failed generation leaves the conversation log as it was before the
//     failed call.
//   - Stop is cooperative: calls already started are allowed to finish.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{Sessions: reg, Memory: mem, People: dir, Source: settings})
//	res, _ := runner.Run(ctx, agent.Turn{ConversationKey: "cli", Input: "hello", PersonID: people.Owner, Tools: tools})
//	fmt.Println(res.Text)
package agent
