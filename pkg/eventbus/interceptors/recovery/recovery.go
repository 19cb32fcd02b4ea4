package recovery

import (
	"context"
	"fmt"
	"runtime"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
	"github.com/quarks-tech/txlog-dispatcher/pkg/eventbus"
)

type HandlerFunc func(p any) (err error)

type HandlerFuncContext func(ctx context.Context, p any) (err error)

// PublisherInterceptor turns a panicking send into an unprocessable event
// error so the envelope fails without taking the batch down.
func PublisherInterceptor(opts ...Option) eventbus.PublisherInterceptor {
	o := evaluateOptions(opts)

	return func(ctx context.Context, md *event.Metadata, data []byte, send eventbus.SendFn) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = eventbus.NewUnprocessableEventError(recoverFrom(ctx, r, o.handlerFunc))
			}
		}()

		return send(ctx, md, data)
	}
}

func recoverFrom(ctx context.Context, p any, r HandlerFuncContext) error {
	if r != nil {
		return errorOf(r(ctx, p), p)
	}

	stack := make([]byte, 64<<10)
	stack = stack[:runtime.Stack(stack, false)]

	return &PanicError{Panic: p, Stack: stack}
}

type PanicError struct {
	Panic any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic caught: %v\n\n%s", e.Panic, e.Stack)
}
