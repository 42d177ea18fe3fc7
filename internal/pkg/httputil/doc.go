// Package httputil holds the response helpers shared by relay's HTTP
// handlers: JSON bodies, the {"error": ...} envelope, request decoding and
// server-sent event streams.
package httputil
