/*
Package api implements the broker's admin HTTP interface: JSON endpoints
for cluster status, Raft diagnostics, message history, subscriber
introspection and the operator-facing publish/join paths, plus the
/peer-info endpoint that pkg/membership's port-scan discovery polls.

Every write endpoint calls through to *broker.Broker, which enforces
Raft leadership itself; a non-leader node answers with a 409 and a
leader hint rather than forwarding the request.
*/
package api
