package browser

import "context"

// Driver is a single live browser page.
//
// Selectors passed to Click and Fill are CSS selectors. Scripts passed to
// Evaluate are JavaScript expressions; their result is returned as decoded
// JSON values.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	Evaluate(ctx context.Context, script string) (any, error)
	Screenshot(ctx context.Context) ([]byte, error)
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Close() error
}

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Driver, error)

	// Shutdown releases resources shared by all launched browsers.
	Shutdown() error
}

type callResult[T any] struct {
	val T
	err error
}

// callWithContext runs fn and returns its result, or ctx.Err() if ctx ends
// first. fn keeps running in the background until it returns on its own.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	done := make(chan callResult[T], 1)
	go func() {
		v, err := fn()
		done <- callResult[T]{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
