// Package broker implements the presence-aware request-matching core of the
// chatdesk service: who is connected, which agent a customer's chat request
// should go to next, and how state is reclaimed when either side disconnects.
//
// The package is organized around four collaborators. Presence tracks the
// ordered per-class participant sets, Ledger tracks which agents have been
// tried for an outstanding request, Dispatcher abstracts best-effort push to
// a live connection, and Engine orchestrates the matching state machine on
// top of the other three.
package broker
