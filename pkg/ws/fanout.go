package ws

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/bus"
	"github.com/tokmz/relay/pkg/tracing"
)

// FanoutStats 跨进程分发统计
type FanoutStats struct {
	NodeID        string `json:"node_id"`
	Enabled       bool   `json:"enabled"`
	Healthy       bool   `json:"healthy"`
	Published     int64  `json:"published"`
	PublishErrors int64  `json:"publish_errors"`
	Received      int64  `json:"received"`
	Duplicates    int64  `json:"duplicates"`
	Invalid       int64  `json:"invalid"`
}

// Fanout 把本地投递同步到其他进程
//
// 每个信封带有发布节点 ID，节点收到自己发布的信封时直接丢弃，
// 本地成员已在发布前完成投递。总线可能重复投递，信封 ID 经布隆过滤器去重。
// 总线不可用时只影响跨进程部分，本地投递照常进行。
type Fanout struct {
	bus     bus.Bus
	cfg     FanoutConfig
	node    string
	deliver func(Envelope) int
	log     *zap.Logger

	healthy atomic.Bool
	dedupe  *dedupe

	published     atomic.Int64
	publishErrors atomic.Int64
	received      atomic.Int64
	duplicates    atomic.Int64
	invalid       atomic.Int64
}

// NewFanout 创建分发器，b 为 nil 时为单进程模式
func NewFanout(b bus.Bus, cfg FanoutConfig, deliver func(Envelope) int, log *zap.Logger) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{
		bus:     b,
		cfg:     cfg,
		node:    newID(),
		deliver: deliver,
		log:     log.With(zap.String("component", "fanout")),
		dedupe:  newDedupe(cfg.DedupeCapacity),
	}
}

// NodeID 本进程节点 ID
func (f *Fanout) NodeID() string {
	return f.node
}

// Enabled 是否配置了总线
func (f *Fanout) Enabled() bool {
	return f.bus != nil
}

// Healthy 最近一次发布或订阅是否成功
func (f *Fanout) Healthy() bool {
	return f.bus != nil && f.healthy.Load()
}

// Publish 发布信封，失败只记录日志并返回错误，不影响本地投递
func (f *Fanout) Publish(ctx context.Context, env Envelope) error {
	if f.bus == nil {
		return nil
	}

	id := newID()
	payload, err := encodeEnvelope(id, f.node, env)
	if err != nil {
		// 编码失败与总线无关，不影响健康状态
		f.publishErrors.Add(1)
		f.log.Error("encode envelope failed",
			zap.String("type", string(env.EnvelopeType())),
			zap.Error(err))
		return err
	}
	f.dedupe.seen(id)

	ctx, span := tracing.StartSpan(ctx, "fanout.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("relay.envelope.type", string(env.EnvelopeType())),
			attribute.String("relay.envelope.id", id),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.PublishTimeout)
	defer cancel()

	if err := f.bus.Publish(ctx, f.cfg.Channel, payload); err != nil {
		f.publishErrors.Add(1)
		if f.healthy.Swap(false) {
			f.log.Warn("bus publish failed, continuing with local delivery only", zap.Error(err))
		}
		tracing.RecordError(span, err)
		return fmt.Errorf("ws: publish %s: %w", env.EnvelopeType(), err)
	}
	f.published.Add(1)
	f.healthy.Store(true)
	return nil
}

// Run 订阅总线并投递来自其他进程的信封，断开后按指数退避重连，直到 ctx 结束
func (f *Fanout) Run(ctx context.Context) error {
	if f.bus == nil {
		<-ctx.Done()
		return nil
	}

	backoff := f.cfg.RetryMin
	for {
		started := time.Now()
		f.healthy.Store(true)
		err := f.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.healthy.Store(false)

		// 订阅稳定运行过一段时间则重置退避
		if time.Since(started) > f.cfg.RetryMax {
			backoff = f.cfg.RetryMin
		}
		f.log.Warn("bus subscription lost, retrying",
			zap.String("channel", f.cfg.Channel),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, f.cfg.RetryMax)
	}
}

// subscribe 单次订阅，处理函数的 panic 转为错误
func (f *Fanout) subscribe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ws: fanout handler panicked: %v", r)
		}
	}()
	err = f.bus.Subscribe(ctx, f.cfg.Channel, f.handle)
	if err == nil && ctx.Err() == nil {
		err = bus.ErrSubscriptionClosed
	}
	return err
}

// handle 处理一条总线消息
func (f *Fanout) handle(payload []byte) {
	h, env, err := decodeEnvelope(payload)
	if err != nil {
		f.invalid.Add(1)
		f.log.Warn("invalid envelope dropped", zap.Error(err))
		return
	}
	if h.Origin == f.node {
		return
	}
	f.received.Add(1)
	if h.ID != "" && f.dedupe.seen(h.ID) {
		f.duplicates.Add(1)
		return
	}
	f.deliver(env)
}

// Stats 统计快照
func (f *Fanout) Stats() FanoutStats {
	return FanoutStats{
		NodeID:        f.node,
		Enabled:       f.Enabled(),
		Healthy:       f.Healthy(),
		Published:     f.published.Load(),
		PublishErrors: f.publishErrors.Load(),
		Received:      f.received.Load(),
		Duplicates:    f.duplicates.Load(),
		Invalid:       f.invalid.Load(),
	}
}

// dedupe 两代布隆过滤器，当前代写满后整体轮换
type dedupe struct {
	mu       sync.Mutex
	capacity uint
	count    uint
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
}

func newDedupe(capacity uint) *dedupe {
	if capacity == 0 {
		capacity = 100_000
	}
	return &dedupe{
		capacity: capacity,
		current:  bloom.NewWithEstimates(capacity, 0.0001),
		previous: bloom.NewWithEstimates(capacity, 0.0001),
	}
}

// seen 记录 id 并返回之前是否见过
func (d *dedupe) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.previous.TestString(id) {
		return true
	}
	if d.current.TestOrAddString(id) {
		return true
	}
	d.count++
	if d.count >= d.capacity {
		d.previous = d.current
		d.current = bloom.NewWithEstimates(d.capacity, 0.0001)
		d.count = 0
	}
	return false
}
