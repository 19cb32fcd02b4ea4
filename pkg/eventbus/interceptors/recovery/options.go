package recovery

import (
	"context"
	"fmt"
)

var defaultOptions = &options{
	handlerFunc: nil,
}

type options struct {
	handlerFunc HandlerFuncContext
}

func evaluateOptions(opts []Option) *options {
	optCopy := &options{}
	*optCopy = *defaultOptions

	for _, o := range opts {
		o(optCopy)
	}

	return optCopy
}

type Option func(*options)

func WithHandler(f HandlerFunc) Option {
	return func(o *options) {
		o.handlerFunc = func(_ context.Context, p any) error {
			return f(p)
		}
	}
}

func WithHandlerContext(f HandlerFuncContext) Option {
	return func(o *options) {
		o.handlerFunc = f
	}
}

// errorOf keeps a nil error from a custom handler from turning a panic
// into a success.
func errorOf(err error, p any) error {
	if err != nil {
		return err
	}

	return fmt.Errorf("panic caught: %v", p)
}
