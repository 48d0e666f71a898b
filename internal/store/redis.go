package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/ollama-chat/backend/internal/model/chat"
)

const redisPageSize = 50

// RedisStore keeps session metadata as JSON, the transcript as a list and a
// sorted set of ids scored by creation time for listing.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

type redisMeta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Title     string    `json:"title,omitempty"`
}

// NewRedisStore wraps an existing client. Keys are namespaced with prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// OpenRedisStore parses a redis:// URL and verifies the server answers.
func OpenRedisStore(ctx context.Context, rawURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) metaKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) messagesKey(sessionID string) string {
	return s.prefix + "session:" + sessionID + ":messages"
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "sessions"
}

func (s *RedisStore) CreateSession(ctx context.Context, sessionID string) (chat.Session, error) {
	if err := ValidateID(sessionID); err != nil {
		return chat.Session{}, err
	}

	now := chat.NormalizeTime(s.now())
	meta := redisMeta{ID: sessionID, CreatedAt: now, UpdatedAt: now}
	data, err := json.Marshal(meta)
	if err != nil {
		return chat.Session{}, fmt.Errorf("redis: marshal session: %w", err)
	}

	// ZAddNX leaves the score of an existing session untouched
	var created *redis.BoolCmd
	member := redis.Z{Score: float64(now.UnixMilli()), Member: sessionID}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, s.metaKey(sessionID), data, 0)
		pipe.ZAddNX(ctx, s.indexKey(), member)
		return nil
	})
	if err != nil {
		return chat.Session{}, fmt.Errorf("redis: create session: %w", err)
	}
	if !created.Val() {
		return chat.Session{}, ErrDuplicateSession
	}

	return meta.toSession(nil), nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, error) {
	if err := validateMessage(msg); err != nil {
		return chat.Message{}, err
	}

	metaKey, messagesKey := s.metaKey(sessionID), s.messagesKey(sessionID)

	var stored chat.Message
	appendTx := func(tx *redis.Tx) error {
		meta, err := s.loadMeta(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		var last time.Time
		raw, err := tx.LIndex(ctx, messagesKey, -1).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis: load last message: %w", err)
		default:
			var prev chat.Message
			if err := json.Unmarshal([]byte(raw), &prev); err != nil {
				return fmt.Errorf("redis: unmarshal message: %w", err)
			}
			last = prev.Timestamp
		}

		stored = chat.Stamp(msg, last, s.now())
		meta.Title = chat.TitleAfter(meta.Title, stored)
		meta.UpdatedAt = chat.NormalizeTime(s.now())

		msgData, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("redis: marshal message: %w", err)
		}
		metaData, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("redis: marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, metaKey, metaData, redis.KeepTTL)
			pipe.RPush(ctx, messagesKey, msgData)
			return nil
		})
		return err
	}

	// EXEC aborts when either key changed after WATCH, including a delete
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		err := s.client.Watch(ctx, appendTx, metaKey, messagesKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return chat.Message{}, err
			}
			return chat.Message{}, fmt.Errorf("redis: append message: %w", err)
		}
		return stored, nil
	}
	return chat.Message{}, fmt.Errorf("redis: %w", ErrAppendConflict)
}

func (s *RedisStore) ListSessions(ctx context.Context) iter.Seq2[chat.Summary, error] {
	return func(yield func(chat.Summary, error) bool) {
		for start := int64(0); ; start += redisPageSize {
			ids, err := s.client.ZRevRange(ctx, s.indexKey(), start, start+redisPageSize-1).Result()
			if err != nil {
				yield(chat.Summary{}, fmt.Errorf("redis: list sessions: %w", err))
				return
			}
			if len(ids) == 0 {
				return
			}

			keys := make([]string, len(ids))
			for i, id := range ids {
				keys[i] = s.metaKey(id)
			}
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				yield(chat.Summary{}, fmt.Errorf("redis: load sessions: %w", err))
				return
			}

			for _, value := range values {
				raw, ok := value.(string)
				if !ok {
					// removed after the index page was read
					continue
				}
				var meta redisMeta
				if err := json.Unmarshal([]byte(raw), &meta); err != nil {
					yield(chat.Summary{}, fmt.Errorf("redis: unmarshal session: %w", err))
					return
				}
				if !yield(meta.toSession(nil).Summary(), nil) {
					return
				}
			}

			if len(ids) < redisPageSize {
				return
			}
		}
	}
}

func (s *RedisStore) LoadSession(ctx context.Context, sessionID string) (chat.Session, error) {
	meta, err := s.loadMeta(ctx, s.client, sessionID)
	if err != nil {
		return chat.Session{}, err
	}

	raws, err := s.client.LRange(ctx, s.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return chat.Session{}, fmt.Errorf("redis: load messages: %w", err)
	}

	messages := make([]chat.Message, 0, len(raws))
	for _, raw := range raws {
		var msg chat.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return chat.Session{}, fmt.Errorf("redis: unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}

	return meta.toSession(messages), nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.metaKey(sessionID), s.messagesKey(sessionID))
		pipe.ZRem(ctx, s.indexKey(), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close(context.Context) error {
	return s.client.Close()
}

func (s *RedisStore) loadMeta(ctx context.Context, c redis.Cmdable, sessionID string) (redisMeta, error) {
	raw, err := c.Get(ctx, s.metaKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return redisMeta{}, ErrSessionNotFound
	}
	if err != nil {
		return redisMeta{}, fmt.Errorf("redis: load session: %w", err)
	}

	var meta redisMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return redisMeta{}, fmt.Errorf("redis: unmarshal session: %w", err)
	}
	return meta, nil
}

func (m redisMeta) toSession(messages []chat.Message) chat.Session {
	if messages == nil {
		messages = []chat.Message{}
	}
	return chat.Session{
		ID:        m.ID,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
		Title:     m.Title,
		Messages:  messages,
	}
}
