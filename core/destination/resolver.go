// Package destination 维护频点到聊天房间的绑定。
package destination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"AirbandBridge/core/matrix"
	"AirbandBridge/core/retry"
	"AirbandBridge/logger"
	"AirbandBridge/model"
)

// RoomService 远端房间操作，由 *matrix.Client 实现
type RoomService interface {
	CreateOrFindRoom(ctx context.Context, spec matrix.RoomSpec) (*matrix.Room, error)
}

// Store 可选的共享缓存（Redis），命中时跳过远端调用
type Store interface {
	GetDestination(ctx context.Context, frequencyHz int64) (*model.Destination, error) // 未命中返回 nil, nil
	SetDestination(ctx context.Context, dest *model.Destination) error
}

// Resolver 把频点解析为房间，结果在进程生命周期内缓存。
// 同一频点的并发解析共享一次远端调用，不同频点互不阻塞。
type Resolver struct {
	rooms RoomService
	store Store

	mu    sync.RWMutex
	cache map[int64]*model.Destination
	group singleflight.Group

	sweepPolicy retry.Policy
}

// NewResolver 创建解析器；store 可以为 nil
func NewResolver(rooms RoomService, store Store) *Resolver {
	return &Resolver{
		rooms:       rooms,
		store:       store,
		cache:       make(map[int64]*model.Destination),
		sweepPolicy: retry.Unlimited(retry.DefaultBaseDelay, retry.DefaultMaxDelay, matrix.IsTransient),
	}
}

// SetSweepBackoff 设置预解析的退避参数
func (r *Resolver) SetSweepBackoff(base, max time.Duration) {
	r.sweepPolicy.BaseDelay = base
	r.sweepPolicy.MaxDelay = max
	r.sweepPolicy.JitterFactor = retry.DefaultJitterFactor
}

// RoomSpecFor 频点对应的房间别名、名称与主题
func RoomSpecFor(ch model.Channel) matrix.RoomSpec {
	freq := model.FrequencyLabel(ch.FrequencyHz)
	label := ch.Label
	if label == "" {
		label = freq
	}
	return matrix.RoomSpec{
		AliasLocalpart: freq,
		Name:           "Recordings for " + label,
		Topic:          "Audio recordings for frequency " + freq,
	}
}

func (r *Resolver) cached(freq int64) (*model.Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.cache[freq]
	return d, ok
}

// Resolve 返回频点绑定的房间，必要时查找或创建。幂等。
// 远端错误原样返回（RemoteUnavailableError、RateLimitedError、RemoteError）。
func (r *Resolver) Resolve(ctx context.Context, ch model.Channel) (*model.Destination, error) {
	if d, ok := r.cached(ch.FrequencyHz); ok {
		return d, nil
	}

	key := strconv.FormatInt(ch.FrequencyHz, 10)
	v, err, shared := r.group.Do(key, func() (any, error) {
		// 进入 flight 后再查一次，前一个 flight 可能刚写入缓存
		if d, ok := r.cached(ch.FrequencyHz); ok {
			return d, nil
		}
		return r.resolveRemote(ctx, ch)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("共享进行中的房间解析", logger.Frequency(ch.FrequencyHz))
	}
	return v.(*model.Destination), nil
}

func (r *Resolver) resolveRemote(ctx context.Context, ch model.Channel) (*model.Destination, error) {
	if r.store != nil {
		d, err := r.store.GetDestination(ctx, ch.FrequencyHz)
		if err != nil {
			logger.Warn("读取房间缓存失败", logger.Frequency(ch.FrequencyHz), logger.ErrorField(err))
		} else if d != nil {
			d.Channel = ch
			r.remember(d)
			return d, nil
		}
	}

	room, err := r.rooms.CreateOrFindRoom(ctx, RoomSpecFor(ch))
	if err != nil {
		return nil, err
	}
	d := &model.Destination{
		Channel:   ch,
		RemoteID:  room.ID,
		Alias:     room.Alias,
		CreatedAt: time.Now(),
	}
	r.remember(d)

	if r.store != nil {
		if err := r.store.SetDestination(ctx, d); err != nil {
			logger.Warn("写入房间缓存失败", logger.Frequency(ch.FrequencyHz), logger.ErrorField(err))
		}
	}
	logger.Info("频点绑定房间",
		logger.Frequency(ch.FrequencyHz),
		logger.String("label", ch.Label),
		logger.String("roomId", room.ID),
		logger.String("alias", room.Alias),
		logger.Bool("created", room.Created))
	return d, nil
}

func (r *Resolver) remember(d *model.Destination) {
	r.mu.Lock()
	r.cache[d.Channel.FrequencyHz] = d
	r.mu.Unlock()
}

// Sweep 启动时逐个预解析频点。临时错误按退避无限重试直到成功或 ctx 结束；
// 永久错误记录日志后跳过，该频点留待首个录音时再解析。
func (r *Resolver) Sweep(ctx context.Context, channels []model.Channel) error {
	resolved := 0
	for _, ch := range channels {
		err := retry.Do(ctx, r.sweepPolicy, func(attempt int) error {
			_, err := r.Resolve(ctx, ch)
			if err != nil && matrix.IsTransient(err) {
				logger.Warn("房间预解析失败，稍后重试",
					logger.Frequency(ch.FrequencyHz),
					logger.Int("attempt", attempt),
					logger.ErrorField(err))
			}
			return err
		})
		switch {
		case err == nil:
			resolved++
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("destination sweep interrupted: %w", err)
		default:
			logger.Error("房间预解析失败，跳过该频点",
				logger.Frequency(ch.FrequencyHz),
				logger.String("label", ch.Label),
				logger.ErrorField(err))
		}
	}
	logger.Info("房间预解析完成",
		logger.Int("channels", len(channels)),
		logger.Int("resolved", resolved))
	return nil
}

// Destinations 已解析绑定的快照，按频点排序
func (r *Resolver) Destinations() []model.Destination {
	r.mu.RLock()
	out := make([]model.Destination, 0, len(r.cache))
	for _, d := range r.cache {
		out = append(out, *d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Channel.FrequencyHz < out[j].Channel.FrequencyHz
	})
	return out
}
