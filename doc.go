// Package duplex is the root of the duplex messaging SDK, providing
// convenient exports of the core components from the sub-packages.
//
// A duplex channel pairs an output channel on the client with an input
// channel on the service. Any number of output channels connect to one
// input channel; each identifies itself with a response receiver id, and
// the input channel routes responses back by that id. Connection lifecycle
// and data messages share one physical connection per client.
//
// # Overview
//
// The SDK consists of several sub-packages:
//
//   - pkg/threading: the scalable thread pool, the rescheduling timer and the
//     dispatching strategies used to raise channel events
//   - pkg/protocol: binary and JSON envelope formatters
//   - pkg/transport: connector contracts with in-process, TCP and WebSocket
//     implementations
//   - pkg/messaging: duplex input and output channels, configuration
//   - pkg/reliable: acknowledged delivery on top of duplex channels
//   - pkg/fragment: ordering and reassembly of fragmented sequences
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//   - pkg/errors, pkg/logging: structured errors and logging
//
// # Creating a Service
//
//	factory := duplex.NewFactory(duplex.NewTCPTransport())
//
//	in, err := factory.CreateDuplexInputChannel("tcp://0.0.0.0:8091")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	in.OnMessageReceived(func(ev messaging.MessageEvent) {
//	    in.SendResponseMessage(ev.ResponseReceiverID, bytes.ToUpper(ev.Message))
//	})
//	if err := in.StartListening(); err != nil {
//	    log.Fatal(err)
//	}
//	defer in.StopListening()
//
// # Creating a Client
//
//	out, err := factory.CreateDuplexOutputChannel("tcp://127.0.0.1:8091", "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	out.OnResponseMessageReceived(func(ev messaging.MessageEvent) {
//	    fmt.Println(string(ev.Message))
//	})
//	if err := out.OpenConnection(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer out.CloseConnection()
//
//	out.SendMessage([]byte("hello"))
//
// # Configuration
//
// A YAML file can describe the transport, pool sizing, dispatching and
// timeouts:
//
//	cfg, err := duplex.LoadConfig("duplex.yaml")
//	transportFactory, err := duplex.NewTransportFactory(cfg.Transport, logger, nil)
//	factory, pool, err := duplex.NewFactoryFromConfig(cfg, transportFactory)
//
// See examples/echo-service for a complete program.
package duplex
