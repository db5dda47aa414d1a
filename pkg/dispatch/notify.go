package dispatch

import "context"

// Notifier sends an id-less frame back to the caller that issued the
// current request.
type Notifier func(method string, params any) error

type notifierKey struct{}

// WithNotifier attaches n to ctx.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	return context.WithValue(ctx, notifierKey{}, n)
}

// NotifierFrom returns the notifier attached to ctx, if any.
func NotifierFrom(ctx context.Context) (Notifier, bool) {
	n, ok := ctx.Value(notifierKey{}).(Notifier)
	return n, ok && n != nil
}

// Notify sends a notification through the notifier in ctx. It is a no-op
// when the call did not come from a connection.
func Notify(ctx context.Context, method string, params any) error {
	n, ok := NotifierFrom(ctx)
	if !ok {
		return nil
	}
	return n(method, params)
}

type requestIDKey struct{}

// RequestID returns the id of the request being executed, as a string.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}
