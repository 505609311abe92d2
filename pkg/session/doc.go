// Package session holds in-memory conversation state.
//
// Invariants:
// - A Log holds at most one system message and it always sits at index 0.
// - Pruning never drops the system message.
// - A Registry marks at most one in-flight turn per conversation key.
//
// Usage:
//
//	reg := session.NewRegistry(50)
//	log := reg.GetOrCreate("cli")
//	log.SetSystemPrompt("You are helpful.")
//	log.Append(session.Message{Role: session.RoleUser, Content: "hello"})
package session
