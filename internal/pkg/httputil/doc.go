// Package httputil carries the JSON response helpers the ops API
// handlers share.
//
// Handlers write responses through these instead of raw
// http.ResponseWriter calls, so every endpoint emits the same envelope
// shape and failed encodes land in the structured log.
package httputil
