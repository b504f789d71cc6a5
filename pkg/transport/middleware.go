package transport

import "github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"

// Middleware wraps a connector factory to add behavior to every connector it
// creates, such as metrics or tracing.
type Middleware interface {
	// Wrap wraps the given factory with middleware functionality
	Wrap(factory Factory) Factory
}

// MiddlewareFunc is an adapter to allow the use of ordinary functions as middleware
type MiddlewareFunc func(Factory) Factory

// Wrap implements the Middleware interface
func (f MiddlewareFunc) Wrap(factory Factory) Factory {
	return f(factory)
}

// ChainMiddleware chains multiple middleware together
func ChainMiddleware(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(factory Factory) Factory {
		// Apply middleware in reverse order so the first middleware is the outermost
		for i := len(middleware) - 1; i >= 0; i-- {
			factory = middleware[i].Wrap(factory)
		}
		return factory
	})
}

// WrappedFactory delegates to Next, replacing connectors through the optional
// wrap functions.
type WrappedFactory struct {
	Next       Factory
	WrapInput  func(address string, c InputConnector) InputConnector
	WrapOutput func(address, responseReceiverID string, c OutputConnector) OutputConnector
}

// CreateInputConnector delegates to the wrapped factory
func (f *WrappedFactory) CreateInputConnector(address string) (InputConnector, error) {
	c, err := f.Next.CreateInputConnector(address)
	if err != nil || f.WrapInput == nil {
		return c, err
	}
	return f.WrapInput(address, c), nil
}

// CreateOutputConnector delegates to the wrapped factory
func (f *WrappedFactory) CreateOutputConnector(address, responseReceiverID string) (OutputConnector, error) {
	c, err := f.Next.CreateOutputConnector(address, responseReceiverID)
	if err != nil || f.WrapOutput == nil {
		return c, err
	}
	return f.WrapOutput(address, responseReceiverID, c), nil
}

// Formatter delegates to the wrapped factory
func (f *WrappedFactory) Formatter() protocol.Formatter {
	return f.Next.Formatter()
}
