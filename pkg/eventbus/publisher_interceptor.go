package eventbus

import (
	"context"

	"github.com/quarks-tech/txlog-dispatcher/pkg/event"
)

type SendFn func(ctx context.Context, md *event.Metadata, data []byte) error

// PublisherInterceptor wraps every send attempt, retries included.
type PublisherInterceptor func(ctx context.Context, md *event.Metadata, data []byte, send SendFn) error

func WithPublisherInterceptor(f PublisherInterceptor) PublisherOption {
	return func(o *publisherOptions) {
		o.interceptor = f
	}
}

func WithChainPublisherInterceptor(interceptors ...PublisherInterceptor) PublisherOption {
	return func(o *publisherOptions) {
		o.chainInterceptors = append(o.chainInterceptors, interceptors...)
	}
}

func chainPublisherInterceptors(p *Publisher) {
	interceptors := p.options.chainInterceptors
	// opts.interceptor runs before any chained interceptor.
	if p.options.interceptor != nil {
		interceptors = append([]PublisherInterceptor{p.options.interceptor}, interceptors...)
	}

	switch len(interceptors) {
	case 0:
		p.options.interceptor = nil
	case 1:
		p.options.interceptor = interceptors[0]
	default:
		p.options.interceptor = func(ctx context.Context, md *event.Metadata, data []byte, send SendFn) error {
			return interceptors[0](ctx, md, data, getChainSendFn(interceptors, 0, send))
		}
	}
}

func getChainSendFn(interceptors []PublisherInterceptor, curr int, finalSend SendFn) SendFn {
	if curr == len(interceptors)-1 {
		return finalSend
	}

	return func(ctx context.Context, md *event.Metadata, data []byte) error {
		return interceptors[curr+1](ctx, md, data, getChainSendFn(interceptors, curr+1, finalSend))
	}
}
