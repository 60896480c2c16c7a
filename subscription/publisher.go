package subscription

import (
	"context"

	"github.com/redis/go-redis/v9"

	"board-sync/domain"
)

// Publisher emits board events and control frames on the Redis channel read
// by RedisTransport.
type Publisher struct {
	rc *redis.Client
}

func NewPublisher(rc *redis.Client) *Publisher {
	return &Publisher{rc: rc}
}

func (p *Publisher) Publish(ctx context.Context, scopeID string, ev domain.ChangeEvent) error {
	data, err := domain.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, ChannelName(scopeID, ev.BoardID), data).Err()
}

// PublishControl tells subscribers of a board why their stream ends.
func (p *Publisher) PublishControl(ctx context.Context, scopeID, boardID string, reason domain.SubscriptionReason, message string) error {
	data, err := domain.EncodeControl(boardID, reason, message)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, ChannelName(scopeID, boardID), data).Err()
}
