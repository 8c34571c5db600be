package ioruntime

// Either carries the result of whichever of Select's two operations
// resolved first. Exactly one of Left/Right is non-nil.
type Either[A, B any] struct {
	Left  *A
	Right *B
}

// Select races two blocking operation calls — typically two Ops method
// calls on the same task — and returns as soon as either resolves. The
// loser is not cancelled: there is no cancellation primitive in this
// runtime, so the losing goroutine is simply left to finish on its own;
// its eventual result is discarded by this call once it lands in its
// buffered channel.
func Select[A, B any](a func() (A, error), b func() (B, error)) (Either[A, B], error) {
	type aResult struct {
		v   A
		err error
	}
	type bResult struct {
		v   B
		err error
	}
	aCh := make(chan aResult, 1)
	bCh := make(chan bResult, 1)

	go func() {
		v, err := a()
		aCh <- aResult{v: v, err: err}
	}()
	go func() {
		v, err := b()
		bCh <- bResult{v: v, err: err}
	}()

	select {
	case r := <-aCh:
		if r.err != nil {
			return Either[A, B]{}, r.err
		}
		v := r.v
		return Either[A, B]{Left: &v}, nil
	case r := <-bCh:
		if r.err != nil {
			return Either[A, B]{}, r.err
		}
		v := r.v
		return Either[A, B]{Right: &v}, nil
	}
}
