package transport

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	gobreaker "github.com/sony/gobreaker/v2"
)

type breaker struct {
	cb *gobreaker.CircuitBreaker[attempt]
}

func newBreaker(name string) *breaker {
	return &breaker{
		cb: gobreaker.NewCircuitBreaker[attempt](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     time.Minute,
			// Trip on a sustained failure ratio, not on a single bad burst.
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < 10 {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
			IsSuccessful: func(err error) bool {
				var reqErr *requestError
				return err == nil || errors.As(err, &reqErr)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// execute runs fn through the breaker. Rejections surface as ordinary
// errors and are retried like network faults.
func (b *breaker) execute(fn func() (attempt, error)) (attempt, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return attempt{}, errors.Wrap(err, "circuit breaker")
	}
	return res, err
}

func (b *breaker) state() gobreaker.State {
	return b.cb.State()
}
