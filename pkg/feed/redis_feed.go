package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"chatwithit/pkg/domain"
)

const (
	defaultPrefix      = "chatwithit"
	defaultLoadTimeout = 5 * time.Second
	changedSuffix      = ":changed"
)

var errSubscriptionClosed = errors.New("subscription closed")

// SubscriptionError reports a feed that could not be established or whose
// snapshot could not be loaded.
type SubscriptionError struct {
	Key string
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("feed %s: %v", e.Key, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Unsubscribe tears a subscription down. It is safe to call more than once
// and returns once no further callbacks will be made, so it must not be
// called from inside a callback.
type Unsubscribe func()

// RedisFeed serves live snapshot queries from Redis. State is kept in plain
// keys (a sorted set per session's messages, a hash per user's processing
// statuses) and every write publishes on the key's change channel. A
// subscriber loads the full snapshot when it subscribes and again after each
// change notification.
type RedisFeed struct {
	client      *redis.Client
	prefix      string
	loadTimeout time.Duration
}

type RedisFeedConfig struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	LoadTimeout time.Duration
}

func NewRedisFeed(cfg RedisFeedConfig) (*RedisFeed, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}
	return &RedisFeed{
		client:      redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}),
		prefix:      prefix,
		loadTimeout: loadTimeout,
	}, nil
}

// Close releases the Redis connection pool.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}

// Ping checks connectivity.
func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *RedisFeed) messagesKey(sessionID string) string {
	return f.prefix + ":sessions:" + sessionID + ":messages"
}

func (f *RedisFeed) statusKey(userID string) string {
	return f.prefix + ":document_processing_status:" + userID
}

// SubscribeMessages delivers the session's messages ordered by createdAt
// ascending, once on subscribe and after every change.
func (f *RedisFeed) SubscribeMessages(ctx context.Context, sessionID string, onSnapshot func([]domain.Message), onError func(error)) (Unsubscribe, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("session id required")
	}
	key := f.messagesKey(sessionID)
	return f.subscribe(ctx, key, func(ctx context.Context) error {
		msgs, err := f.loadMessages(ctx, key)
		if err != nil {
			return err
		}
		onSnapshot(msgs)
		return nil
	}, onError)
}

// SubscribeStatuses delivers the user's processing statuses ordered by
// updated_at descending, once on subscribe and after every change.
func (f *RedisFeed) SubscribeStatuses(ctx context.Context, userID string, onSnapshot func([]domain.DocumentProcessingStatus), onError func(error)) (Unsubscribe, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id required")
	}
	key := f.statusKey(userID)
	return f.subscribe(ctx, key, func(ctx context.Context) error {
		statuses, err := f.loadStatuses(ctx, key)
		if err != nil {
			return err
		}
		onSnapshot(statuses)
		return nil
	}, onError)
}

func (f *RedisFeed) subscribe(parent context.Context, key string, deliver func(context.Context) error, onError func(error)) (Unsubscribe, error) {
	ctx, cancel := context.WithCancel(parent)
	channel := key + changedSuffix
	pubsub := f.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, &SubscriptionError{Key: key, Err: err}
	}
	notifications := pubsub.Channel()

	load := func() {
		loadCtx, loadCancel := context.WithTimeout(ctx, f.loadTimeout)
		defer loadCancel()
		err := deliver(loadCtx)
		if err == nil || ctx.Err() != nil {
			return
		}
		slog.Warn("feed snapshot load failed", "key", key, "err", err)
		if onError != nil {
			onError(&SubscriptionError{Key: key, Err: err})
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		load()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notifications:
				if !ok {
					if ctx.Err() == nil && onError != nil {
						onError(&SubscriptionError{Key: key, Err: errSubscriptionClosed})
					}
					return
				}
				load()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

func (f *RedisFeed) loadMessages(ctx context.Context, key string) ([]domain.Message, error) {
	members, err := f.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(members))
	for _, member := range members {
		var msg domain.Message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			slog.Warn("skip undecodable message", "key", key, "err", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (f *RedisFeed) loadStatuses(ctx context.Context, key string) ([]domain.DocumentProcessingStatus, error) {
	fields, err := f.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	statuses := make([]domain.DocumentProcessingStatus, 0, len(fields))
	for fileName, raw := range fields {
		var st domain.DocumentProcessingStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			slog.Warn("skip undecodable status", "key", key, "file_name", fileName, "err", err)
			continue
		}
		if st.FileName == "" {
			st.FileName = fileName
		}
		statuses = append(statuses, st)
	}
	SortStatuses(statuses)
	return statuses, nil
}

// SortStatuses orders statuses by updated_at descending, file name breaking ties.
func SortStatuses(statuses []domain.DocumentProcessingStatus) {
	sort.SliceStable(statuses, func(i, j int) bool {
		ti, tj := statuses[i].Updated(), statuses[j].Updated()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return statuses[i].FileName < statuses[j].FileName
	})
}

// AppendMessage stores msg in its session and notifies subscribers.
func (f *RedisFeed) AppendMessage(ctx context.Context, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := f.messagesKey(msg.SessionID)
	pipe := f.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.CreatedAt.UnixMilli()), Member: string(data)})
	pipe.Publish(ctx, key+changedSuffix, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// PutStatus replaces the live status record for (user_id, file_name).
func (f *RedisFeed) PutStatus(ctx context.Context, st domain.DocumentProcessingStatus) error {
	if st.UserID == "" || st.FileName == "" {
		return errors.New("status requires user_id and file_name")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	key := f.statusKey(st.UserID)
	pipe := f.client.TxPipeline()
	pipe.HSet(ctx, key, st.FileName, string(data))
	pipe.Publish(ctx, key+changedSuffix, st.FileName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put status: %w", err)
	}
	return nil
}

// DeleteStatus removes the status record for fileName.
func (f *RedisFeed) DeleteStatus(ctx context.Context, userID, fileName string) error {
	key := f.statusKey(userID)
	pipe := f.client.TxPipeline()
	pipe.HDel(ctx, key, fileName)
	pipe.Publish(ctx, key+changedSuffix, fileName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	return nil
}
