// Package relay implements the connection registry and the request
// correlator: the two tables of long-lived streaming connections
// (client sessions and node connections) and the machinery that pairs a
// call posted on a client stream with its result arriving later on the
// owning user's node connection.
//
// The relay sheds load instead of buffering it: per-address rate
// windows, a cap on concurrent client streams, and a cap on in-flight
// correlated requests all produce terminal responses, never queues.
package relay
