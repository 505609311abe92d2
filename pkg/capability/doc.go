// Package capability defines the named, schema-described operations the
// agent may invoke and the scheduler may fire later.
//
// Capabilities are built with New from a typed argument struct. The JSON
// schema handed to the model is reflected from that struct, and incoming
// arguments are validated against it before the executor runs. Invoke is
// the single execution path shared by the agent loop and the scheduler.
package capability
