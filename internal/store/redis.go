// redis.go
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"pair.drop/internal/clock"
	"pair.drop/internal/models"
)

var _ Store = (*RedisStore)(nil)

const deadlinesKey = "sessions:deadlines"

// RedisStore shares sessions between several server processes. Each
// record lives under session:<KEY>; its expiry deadline, min(last touch
// + Idle, creation + Max), is the record's score in sessions:deadlines.
// A sweeper removes due entries and reports their files, re-checking the
// score atomically so a Touch that raced the sweep wins.
type RedisStore struct {
	client   *redis.Client
	clock    clock.Clock
	lifetime Lifetime
	onExpire ExpireFunc

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisStore(options *redis.Options, clk clock.Clock, lifetime Lifetime, sweepEvery time.Duration, onExpire ExpireFunc) (*RedisStore, error) {
	client := redis.NewClient(options)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	r := &RedisStore{
		client:   client,
		clock:    clk,
		lifetime: lifetime,
		onExpire: onExpire,
		cancel:   sweepCancel,
		done:     make(chan struct{}),
	}
	go r.sweepLoop(sweepCtx, sweepEvery)
	return r, nil
}

var insertScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PXAT', ARGV[2])
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
	return 1
`)

func (r *RedisStore) Insert(ctx context.Context, session *models.Session) error {
	now := r.clock.Now()
	rec := session.Clone()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.LastTouchedAt = now

	data, err := encode(rec)
	if err != nil {
		return err
	}

	// The data key outlives the deadline slightly so the sweeper, not
	// Redis, is what ends the session and gets to see its file.
	backstop := now.Add(r.lifetime.Max + r.lifetime.Idle).UnixMilli()

	ok, err := insertScript.Run(ctx, r.client,
		[]string{sessionKey(rec.Key), deadlinesKey},
		data, backstop, r.deadline(rec), rec.Key,
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrKeyCollision
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*models.Session, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, sessionKey(key))
	scoreCmd := pipe.ZScore(ctx, deadlinesKey, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	data, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	score, err := scoreCmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if r.due(score) {
		return nil, ErrNotFound
	}

	return decode(data)
}

func (r *RedisStore) Touch(ctx context.Context, key string, cond Cond) (*models.Session, error) {
	var touched *models.Session
	err := r.update(ctx, key, func(rec *models.Session) error {
		if err := cond.check(rec); err != nil {
			return err
		}
		if now := r.clock.Now(); now.After(rec.LastTouchedAt) {
			rec.LastTouchedAt = now
		}
		touched = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

func (r *RedisStore) SwapFile(ctx context.Context, key string, cond Cond, file *models.FileRef) (*models.FileRef, error) {
	var prev *models.FileRef
	err := r.update(ctx, key, func(rec *models.Session) error {
		if err := cond.check(rec); err != nil {
			return err
		}
		prev = rec.File
		if file != nil {
			f := *file
			rec.File = &f
		} else {
			rec.File = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

var removeScript = redis.NewScript(`
	local data = redis.call('GET', KEYS[1])
	redis.call('ZREM', KEYS[2], ARGV[1])
	if not data then
		return false
	end
	redis.call('DEL', KEYS[1])
	return data
`)

func (r *RedisStore) Remove(ctx context.Context, key string) (*models.FileRef, error) {
	data, err := removeScript.Run(ctx, r.client, []string{sessionKey(key), deadlinesKey}, key).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	rec, err := decode([]byte(data))
	if err != nil {
		return nil, err
	}
	return rec.File, nil
}

func (r *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, deadlinesKey).Result()
	return int(n), err
}

var sweepScript = redis.NewScript(`
	local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
	if not score or tonumber(score) > tonumber(ARGV[2]) then
		return false
	end
	local data = redis.call('GET', KEYS[1])
	redis.call('DEL', KEYS[1])
	redis.call('ZREM', KEYS[2], ARGV[1])
	if not data then
		return ''
	end
	return data
`)

// Sweep removes every session whose deadline has passed and reports it
// to the expire hook. It returns how many sessions it removed.
func (r *RedisStore) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now().UnixMilli()
	keys, err := r.client.ZRangeByScore(ctx, deadlinesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		data, err := sweepScript.Run(ctx, r.client, []string{sessionKey(key), deadlinesKey}, key, now).Text()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // touched since the range query
			}
			return removed, err
		}
		removed++

		var file *models.FileRef
		if data != "" {
			rec, err := decode([]byte(data))
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"key":   key,
					"error": err,
				}).Error("Dropping undecodable session")
			} else {
				file = rec.File
			}
		}

		logrus.WithField("key", key).Info("Removing expired key")
		if r.onExpire != nil {
			r.onExpire(key, file)
		}
	}
	return removed, nil
}

func (r *RedisStore) Close() error {
	r.cancel()
	<-r.done
	return r.client.Close()
}

func (r *RedisStore) sweepLoop(ctx context.Context, every time.Duration) {
	defer close(r.done)

	ticker := r.clock.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("Session sweep failed")
			}
		}
	}
}

// update applies fn to the record under an optimistic transaction, the
// same WATCH/MULTI pattern used for counters elsewhere. If fn fails
// nothing is written.
func (r *RedisStore) update(ctx context.Context, key string, fn func(*models.Session) error) error {
	sk := sessionKey(key)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, sk).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		score, err := tx.ZScore(ctx, deadlinesKey, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		if r.due(score) {
			return ErrNotFound
		}

		rec, err := decode(data)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}

		newData, err := encode(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, sk, newData, redis.SetArgs{KeepTTL: true})
			pipe.ZAddXX(ctx, deadlinesKey, redis.Z{Score: float64(r.deadline(rec)), Member: key})
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := r.client.Watch(ctx, txf, sk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return redis.TxFailedErr
}

func (r *RedisStore) deadline(rec *models.Session) int64 {
	idle := rec.LastTouchedAt.Add(r.lifetime.Idle)
	hard := rec.CreatedAt.Add(r.lifetime.Max)
	if hard.Before(idle) {
		return hard.UnixMilli()
	}
	return idle.UnixMilli()
}

func (r *RedisStore) due(score float64) bool {
	return int64(score) <= r.clock.Now().UnixMilli()
}

// Helpers

func sessionKey(key string) string {
	return "session:" + key
}

func encode(session *models.Session) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(session); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*models.Session, error) {
	var session models.Session
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&session); err != nil {
		return nil, err
	}
	return &session, nil
}
