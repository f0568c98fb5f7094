// Package broadcast delivers one message to every active recipient.
//
// Recipients are sent to in fixed-size batches. Sends inside a batch run
// concurrently and the whole batch settles before the next one starts, with
// a pause between batches. Each recipient gets its own bounded retry loop
// and a hard per-attempt timeout; one recipient failing never affects the
// others.
//
// SendOne is the single-recipient path used by the HTTP API and the CLI.
package broadcast
