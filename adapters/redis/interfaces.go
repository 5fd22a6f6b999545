package redis

import (
	"context"

	"auction/engine"
	"auction/models"
)

// IProducer 定義了 Producer 的操作介面
type IProducer[T any] interface {
	Start()
	Publish(data T) error
	Close()
}

// IConsumer 定義了 Consumer 的操作介面
type IConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IGroupStore 定義了 GroupStore 的操作介面
type IGroupStore interface {
	GroupConfig(ctx context.Context, groupKey string) (engine.GroupConfig, error)
	SaveGroup(ctx context.Context, group models.Group) error
	Invalidate(ctx context.Context, groupKey string) error
}

var (
	_ IProducer[engine.LotEvent] = (*Producer[engine.LotEvent])(nil)
	_ engine.Publisher           = (*Producer[engine.LotEvent])(nil)
	_ IConsumer[engine.LotEvent] = (*Consumer[engine.LotEvent])(nil)
	_ IGroupStore                = (*GroupStore)(nil)
	_ engine.GroupConfigProvider = (*GroupStore)(nil)
)
