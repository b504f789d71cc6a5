// Package pkg contains the components of the duplex messaging SDK.
//
// The packages build on each other bottom-up:
//
//   - errors and logging are used by everything else
//   - observability defines the metric sinks and the tracing provider
//   - threading runs work: ThreadPool, Timer, SerialQueue and dispatchers
//   - protocol encodes the open, close and data envelopes
//   - transport moves envelopes between connectors; inprocess, tcp and
//     websocket are its implementations
//   - messaging implements the duplex channel state machine on top of a
//     transport
//   - reliable and fragment add acknowledged delivery and ordered reassembly
//     on top of messaging
//   - utils holds test helpers
//
// Most programs only import messaging and one transport package, or the root
// duplex package which re-exports the common constructors.
package pkg
