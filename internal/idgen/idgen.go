// Package idgen は接続IDとインスタンスIDを生成します
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewConnectionID は接続ごとのIDを生成します
// 同一ミリ秒内でも単調増加するULIDを返します
func NewConnectionID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewInstanceID はサーバープロセスを識別するIDを生成します
func NewInstanceID() string {
	return uuid.NewString()
}
