package service

import (
	"context"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/models"
	"github.com/Fldicoahkiin/cineflow/internal/repo"
	"go.uber.org/zap"
)

const DefaultStatusInterval = 15 * time.Second

// StatusPublisher はこのインスタンスのステータスを定期的に共有ストアへ書き込みます
type StatusPublisher struct {
	repo       repo.StatusRepo
	svc        *SignalingService
	instanceId string
	interval   time.Duration
	log        *zap.Logger
}

func NewStatusPublisher(r repo.StatusRepo, svc *SignalingService, instanceId string, interval time.Duration, log *zap.Logger) *StatusPublisher {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	return &StatusPublisher{repo: r, svc: svc, instanceId: instanceId, interval: interval, log: log}
}

// ttl は公開したステータスの有効期限（間隔の3倍）
func (p *StatusPublisher) ttl() time.Duration { return 3 * p.interval }

// Run はctxがキャンセルされるまでステータスを書き込み続けます
// 終了時には自インスタンスのステータスを削除します
func (p *StatusPublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PublishOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := p.repo.RemoveStatus(cleanupCtx, p.instanceId); err != nil {
				p.log.Warn("failed to remove instance status", zap.String("instanceId", p.instanceId), zap.Error(err))
			}
			return
		case <-ticker.C:
			p.PublishOnce(ctx)
		}
	}
}

func (p *StatusPublisher) PublishOnce(ctx context.Context) {
	if err := p.repo.PublishStatus(ctx, p.instanceId, p.svc.Status(), p.ttl()); err != nil {
		p.log.Warn("failed to publish status", zap.String("instanceId", p.instanceId), zap.Error(err))
	}
}

// Cluster は全インスタンスのステータス合計を返します
func (p *StatusPublisher) Cluster(ctx context.Context) (models.ClusterStatus, error) {
	return p.repo.ClusterStatus(ctx)
}
