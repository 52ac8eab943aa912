// Package bus implements the message bus server: a TCP listener whose client
// registry is owned by a single loop goroutine.
//
// Ownership model:
//   - The loop goroutine exclusively owns the client registry. Registration,
//     identification, relaying, and removal all happen on the loop.
//   - Other goroutines never touch the registry. The only sanctioned way to
//     cause a mutation from outside is Enqueue(), which hands a unit of work
//     to the loop.
//   - Read-only status comes from Snapshot(), an atomically published view
//     the loop refreshes after every registry change.
//
// Wire protocol: newline-delimited JSON frames. A client connects, sends a
// HELLO frame carrying its name, receives WELCOME with its assigned client id,
// and is then "identified" (eligible to receive broadcasts). MESSAGE frames
// from an identified client are relayed to every other identified client;
// the bus broadcasts everything and lets receivers filter.
package bus
