package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultReapInterval = time.Hour      // 掃除の実行間隔
	DefaultRoomMaxAge   = 24 * time.Hour // 空ルームの保持期間
)

// Reaper は一定間隔で期限切れの空ルームを削除します
type Reaper struct {
	svc      *SignalingService
	interval time.Duration
	maxAge   time.Duration
	log      *zap.Logger
}

// NewReaper は新しいReaperを作成します
// 0以下の値はデフォルト値に置き換えます
func NewReaper(svc *SignalingService, interval, maxAge time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultRoomMaxAge
	}
	return &Reaper{svc: svc, interval: interval, maxAge: maxAge, log: log}
}

// Run はctxがキャンセルされるまで掃除を繰り返します
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce()
		}
	}
}

// SweepOnce は1回分の掃除を実行し、削除したルームIDを返します
// 失敗はログに記録するだけで、タイマーは止めません
func (r *Reaper) SweepOnce() (deleted []string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("room sweep failed", zap.Any("panic", rec))
			deleted = nil
		}
	}()

	deleted = r.svc.Sweep(r.maxAge)
	for _, id := range deleted {
		r.log.Info("cleaned up expired room", zap.String("roomId", id))
	}
	return deleted
}
