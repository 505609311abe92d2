// Package memory stores short facts about people and decides who may read
// them.
//
// Memories live in a single kvstore document. Reads for a person are gated
// by that person's access list from the people directory: the owner always
// sees everything, anyone else must be listed (or the list must contain
// "*").
//
// Usage:
//
//	store, _ := memory.NewStore(memory.Config{KV: kv, People: dir})
//	_, _ = store.Add(ctx, "likes green tea", personID, nil)
//	block := store.ContextBlock(ctx, personID, "what should I bring?")
//	visible := store.IngestInline(ctx, reply, personID)
package memory
