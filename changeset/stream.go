package changeset

// Observer receives pushed values. After OnError or OnCompleted nothing else
// is delivered.
type Observer[T any] interface {
	OnNext(value T)
	OnError(err error)
	OnCompleted()
}

// ObserverFuncs adapts plain functions to Observer; nil fields are ignored.
type ObserverFuncs[T any] struct {
	Next      func(T)
	Error     func(error)
	Completed func()
}

func (o ObserverFuncs[T]) OnNext(value T) {
	if o.Next != nil {
		o.Next(value)
	}
}

func (o ObserverFuncs[T]) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs[T]) OnCompleted() {
	if o.Completed != nil {
		o.Completed()
	}
}

// Stream is a push source. Every Subscribe is an independent activation
// unless the stream says otherwise.
type Stream[T any] interface {
	Subscribe(observer Observer[T]) Subscription
}

type StreamFunc[T any] func(observer Observer[T]) Subscription

func (f StreamFunc[T]) Subscribe(observer Observer[T]) Subscription {
	return f(observer)
}

// Fail returns a stream that errors every subscriber immediately.
func Fail[T any](err error) Stream[T] {
	return StreamFunc[T](func(observer Observer[T]) Subscription {
		observer.OnError(err)
		return NopSubscription()
	})
}
