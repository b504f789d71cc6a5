// Package reliable adds acknowledged delivery to duplex channels.
//
// Every payload sent through an OutputChannel or InputChannel is wrapped in a
// ReliableMessage carrying a fresh id; the receiving side answers with an ack
// carrying the same id. The sender raises a delivered event when the ack
// arrives and a not-delivered event when the ack timeout passes first, or
// when the connection of the receiver goes away while the message is pending.
//
// Both channels wait for all their pending acknowledgements with a single
// threading.Timer armed for the earliest deadline and re-armed from its own
// callback.
package reliable
