package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisStatusRepo は各インスタンスのステータスをRedisに書き込みます
// ルームや接続そのものは保存せず、件数のみを共有します
type RedisStatusRepo struct{ rdb *redis.Client }

func NewRedisStatusRepo(rdb *redis.Client) *RedisStatusRepo {
	return &RedisStatusRepo{rdb: rdb}
}

const instancesKey = "signaling:instances"

func instanceKey(id string) string {
	return fmt.Sprintf("signaling:instance:%s", id)
}

func (rr *RedisStatusRepo) PublishStatus(ctx context.Context, instanceId string, st models.Status, ttl time.Duration) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	pipe := rr.rdb.TxPipeline()
	pipe.Set(ctx, instanceKey(instanceId), b, ttl) // インスタンスごとのステータス
	pipe.SAdd(ctx, instancesKey, instanceId)       // インスタンス一覧setに追加
	_, err = pipe.Exec(ctx)
	return err
}

func (rr *RedisStatusRepo) RemoveStatus(ctx context.Context, instanceId string) error {
	pipe := rr.rdb.TxPipeline()
	pipe.SRem(ctx, instancesKey, instanceId)
	pipe.Del(ctx, instanceKey(instanceId))
	_, err := pipe.Exec(ctx)
	return err
}

// ClusterStatus は生存している全インスタンスのステータスを合計します
// TTL切れのインスタンスは一覧から取り除きます
func (rr *RedisStatusRepo) ClusterStatus(ctx context.Context) (models.ClusterStatus, error) {
	ids, err := rr.rdb.SMembers(ctx, instancesKey).Result()
	if err != nil {
		return models.ClusterStatus{}, err
	}
	if len(ids) == 0 {
		return models.ClusterStatus{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = instanceKey(id)
	}

	// 一括取得
	vals, err := rr.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return models.ClusterStatus{}, err
	}

	var out models.ClusterStatus
	var stale []any
	for i, val := range vals {
		b, ok := val.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var st models.Status
		if json.Unmarshal([]byte(b), &st) != nil {
			continue
		}
		out.Instances++
		out.ActiveRooms += st.ActiveRooms
		out.ActivePeers += st.ActivePeers
	}
	if len(stale) > 0 {
		if err := rr.rdb.SRem(ctx, instancesKey, stale...).Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}
