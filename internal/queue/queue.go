// Package queue 提供异步任务入口：HTTP 层把任务请求投递到队列，
// 消费侧取出后交给经纪方同步处理。队列承载的是序列化后的任务请求，
// 不是任务结果。
package queue

import "context"

// Handler 处理一条序列化的任务请求。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递任务请求。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费任务请求。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
