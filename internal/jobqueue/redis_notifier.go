package jobqueue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "bplrt:jobqueue:notify:"

// RedisNotifier is a distributed notifier using Redis PUBLISH/SUBSCRIBE, so
// enqueuing a job on one process wakes worker pools on every other process
// sharing the same store (§4.9's job queue is expected to span processes).
type RedisNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[string][]*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, subs: make(map[string][]*redisSub)}
}

func (n *RedisNotifier) Notify(ctx context.Context, taskType string) error {
	return n.client.Publish(ctx, redisChannelPrefix+taskType, "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, taskType string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs[taskType] = append(n.subs[taskType], rs)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, redisChannelPrefix+taskType)
	go func() {
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				n.removeSub(taskType, rs)
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
			close(s.ch)
		}
	}
	n.subs = nil
	return nil
}

func (n *RedisNotifier) removeSub(taskType string, target *redisSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[taskType]
	for i, s := range subs {
		if s == target {
			n.subs[taskType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
