// Package api is the HTTP control surface of the client.
//
// It exposes the session manager (connect, disconnect, bind, commands),
// the message log, the relay login and the SSE event stream under
// /api/v1, and Prometheus metrics under /metrics. Operator prompts raised
// during a connect are answered through /api/v1/decisions, which is how
// the HTTP Decider gets its answers.
package api
