package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingEdit marks a user whose next text message replaces a finished
// enhancement before it is used.
type pendingEdit struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// editStore keeps pending edits in Redis when a client is configured and in
// process memory otherwise.
type editStore struct {
	redis *redis.Client
	ttl   time.Duration

	mu  sync.Mutex
	mem map[int64]memEdit
}

type memEdit struct {
	edit    pendingEdit
	expires time.Time
}

func newEditStore(rdb *redis.Client, ttl time.Duration) *editStore {
	return &editStore{redis: rdb, ttl: ttl, mem: map[int64]memEdit{}}
}

func (e *editStore) key(userID int64) string {
	return fmt.Sprintf("rafined:edit:%d", userID)
}

func (e *editStore) Set(ctx context.Context, userID int64, edit pendingEdit) error {
	if e.redis == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.mem[userID] = memEdit{edit: edit, expires: time.Now().Add(e.ttl)}
		return nil
	}
	b, err := json.Marshal(edit)
	if err != nil {
		return err
	}
	return e.redis.Set(ctx, e.key(userID), string(b), e.ttl).Err()
}

func (e *editStore) Get(ctx context.Context, userID int64) (*pendingEdit, error) {
	if e.redis == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		m, ok := e.mem[userID]
		if !ok {
			return nil, nil
		}
		if time.Now().After(m.expires) {
			delete(e.mem, userID)
			return nil, nil
		}
		edit := m.edit
		return &edit, nil
	}
	raw, err := e.redis.Get(ctx, e.key(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var edit pendingEdit
	if err := json.Unmarshal([]byte(raw), &edit); err != nil {
		return nil, err
	}
	return &edit, nil
}

func (e *editStore) Clear(ctx context.Context, userID int64) error {
	if e.redis == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.mem, userID)
		return nil
	}
	return e.redis.Del(ctx, e.key(userID)).Err()
}
