// Package history persists a log of messages accepted through the API.
//
// Recording is best-effort: a failed insert is logged and never blocks or
// fails the request that produced it. The store is read back by the
// /api/history endpoint.
package history
