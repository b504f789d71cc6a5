// Package messaging implements duplex channels on top of the transport
// connectors.
//
// A DuplexOutputChannel connects to the address of a DuplexInputChannel and
// identifies itself with a response receiver id. OpenConnection returns only
// after the input channel accepted the connection: the service echoes the
// open envelope on acceptance and answers with a close envelope when its
// ConnectionFilter refuses the receiver. Requests flow from output to input,
// responses flow back to the response receiver id they name.
//
// Each channel event has a single subscriber. Subscribing a second handler
// fails with an AlreadyRegistered error until the first subscription is
// released. Events are raised through the dispatcher the Factory was
// configured with, so handlers never run on a transport read loop.
//
//	f := messaging.NewFactory(inprocess.NewNetwork())
//
//	in, _ := f.CreateDuplexInputChannel("orders")
//	in.OnMessageReceived(func(ev messaging.MessageEvent) {
//		in.SendResponseMessage(ev.ResponseReceiverID, ev.Message)
//	})
//	in.StartListening()
//
//	out, _ := f.CreateDuplexOutputChannel("orders", "")
//	out.OnResponseMessageReceived(func(ev messaging.MessageEvent) {
//		fmt.Println(string(ev.Message))
//	})
//	out.OpenConnection(ctx)
//	out.SendMessage([]byte("hello"))
//
// Config, LoadConfig and NewFactoryFromConfig build the same graph from a YAML
// file.
package messaging
