package model

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxDelay caps the wait between two attempts when MaxDelay is unset.
const DefaultMaxDelay = 30 * time.Second

// Retrying wraps a ChatModel and retries transient failures with an
// exponential, jittered backoff starting at Delay and capped at MaxDelay.
type Retrying struct {
	Model      ChatModel
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
}

func (r *Retrying) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.Delay
	b.MaxInterval = r.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Chat implements ChatModel.
func (r *Retrying) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	var (
		out      ChatOut
		attempts int
	)
	retries := r.MaxRetries
	if retries < 0 {
		retries = 0
	}
	retryCfg := backoff.WithMaxRetries(backoff.WithContext(r.newBackOff(), ctx), uint64(retries))

	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		var err error
		out, err = r.Model.Chat(ctx, messages)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, retryCfg)
	if err == nil {
		return out, nil
	}
	if retries > 0 && attempts > retries && IsTransient(err) {
		return ChatOut{}, fmt.Errorf("chat failed after %d retries: %w", retries, err)
	}
	return ChatOut{}, err
}
