package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

const defaultRetryDelay = time.Second

// ChannelName is the Redis pub/sub channel carrying events of one board.
func ChannelName(scopeID, boardID string) string {
	return "board-events:" + scopeID + ":" + boardID
}

// RedisTransport subscribes to board events published on Redis.
type RedisTransport struct {
	rc         *redis.Client
	retryDelay time.Duration
	logger     *log.Entry
}

func NewRedisTransport(rc *redis.Client, retryDelay time.Duration, logger *log.Entry) *RedisTransport {
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &RedisTransport{rc: rc, retryDelay: retryDelay, logger: logger}
}

// Subscribe confirms the subscription before returning and then delivers
// events until unsubscribe is called, resubscribing when the channel drops.
func (t *RedisTransport) Subscribe(ctx context.Context, target Target, onEvent func(domain.ChangeEvent), onError func(error)) (func(), error) {
	channel := ChannelName(target.ScopeID, target.BoardID)
	sub := t.rc.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, &domain.SubscriptionError{Reason: domain.ReasonTransport, BoardID: target.BoardID, Err: err}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			err := t.consume(ctx, sub, target.BoardID, onEvent, onError)
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			onError(&domain.SubscriptionError{Reason: domain.ReasonTransport, BoardID: target.BoardID, Err: err})
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(t.retryDelay):
				}
				sub = t.rc.Subscribe(ctx, channel)
				if _, err := sub.Receive(ctx); err != nil {
					_ = sub.Close()
					if ctx.Err() != nil {
						return
					}
					t.logger.WithError(err).WithField("channel", channel).Debug("resubscribe failed")
					continue
				}
				break
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

var errChannelClosed = errors.New("subscription channel closed")

func (t *RedisTransport) consume(ctx context.Context, sub *redis.PubSub, boardID string, onEvent func(domain.ChangeEvent), onError func(error)) error {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errChannelClosed
			}
			ev, err := domain.DecodeFrame([]byte(msg.Payload))
			if err != nil {
				var se *domain.SubscriptionError
				if errors.As(err, &se) && se.BoardID == "" {
					se.BoardID = boardID
				}
				onError(err)
				continue
			}
			if ev.BoardID == "" {
				ev.BoardID = boardID
			}
			onEvent(ev)
		}
	}
}
