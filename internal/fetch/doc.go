// Package fetch wraps a shared HTTP client with the request classification
// used by the engines.
//
// A 200 response, or a status the request explicitly allows, is a success.
// 400, 403 and 404 are terminal and never retried. Every other status,
// connection failure and timeout is retryable: the client re-issues the same
// request while the caller's retry budget lasts, decrementing it on each
// retry, and then reports ErrRetryExhausted wrapping the last failure.
//
// Failures are *Error values that match their sentinel with errors.Is, so
// callers can branch on ErrNotFound or test Retryable without unpacking.
package fetch
