package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldData    = "d"
	fieldVersion = "v"

	maxTxRetries = 10
)

// RedisStore keeps each record in a hash {d: json, v: unix nanos} and indexes
// children of a path in a set so List does not need SCAN. Conditional writes
// run under WATCH/MULTI and retry when a concurrent writer touched the key.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	Now    func() time.Time
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, Now: time.Now}
}

func (s *RedisStore) key(path string) string {
	return s.prefix + path
}

func (s *RedisStore) indexKey(parent string) string {
	return s.prefix + "idx:" + parent
}

func (s *RedisStore) Get(ctx context.Context, path string) (Record, error) {
	path = strings.Trim(path, "/")
	vals, err := s.rdb.HGetAll(ctx, s.key(path)).Result()
	if err != nil {
		return Record{}, err
	}
	return decodeHash(path, vals)
}

func (s *RedisStore) Create(ctx context.Context, path string, mutate Mutator) (Record, error) {
	if err := validatePath(path); err != nil {
		return Record{}, err
	}
	path = strings.Trim(path, "/")
	return s.write(ctx, path, func(current map[string]string) (Record, error) {
		if len(current) > 0 {
			return Record{}, ErrAlreadyExists
		}
		version := nextVersion(time.Time{}, s.Now())
		data, err := mutate(nil, version)
		if err != nil {
			return Record{}, err
		}
		return Record{Path: path, Version: version, Data: data}, nil
	})
}

func (s *RedisStore) Update(ctx context.Context, path string, expected *time.Time, mutate Mutator) (Record, error) {
	path = strings.Trim(path, "/")
	return s.write(ctx, path, func(current map[string]string) (Record, error) {
		rec, err := decodeHash(path, current)
		if err != nil {
			return Record{}, err
		}
		if expected != nil && !sameVersion(*expected, rec.Version) {
			return Record{}, &ConflictError{Path: path, Expected: *expected, Current: rec.Version}
		}
		version := nextVersion(rec.Version, s.Now())
		data, err := mutate(rec.Data, version)
		if err != nil {
			return Record{}, err
		}
		return Record{Path: path, Version: version, Data: data}, nil
	})
}

// write reads the hash under WATCH, lets decide compute the new record and
// commits it in MULTI/EXEC together with the parent index entry.
func (s *RedisStore) write(ctx context.Context, path string, decide func(map[string]string) (Record, error)) (Record, error) {
	key := s.key(path)
	parent, name := splitParent(path)

	var out Record
	txf := func(tx *redis.Tx) error {
		current, err := tx.HGetAll(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		rec, err := decide(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldData, rec.Data, fieldVersion, strconv.FormatInt(rec.Version.UnixNano(), 10))
			pipe.SAdd(ctx, s.indexKey(parent), name)
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Record{}, err
	}
	return Record{}, fmt.Errorf("store: too much contention on %s", path)
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	path = strings.Trim(path, "/")
	parent, name := splitParent(path)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(path))
		pipe.SRem(ctx, s.indexKey(parent), name)
		return nil
	})
	return err
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]Record, error) {
	prefix = strings.Trim(prefix, "/")
	names, err := s.rdb.SMembers(ctx, s.indexKey(prefix)).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return []Record{}, nil
	}
	sort.Strings(names)

	cmds := make([]*redis.MapStringStringCmd, len(names))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = pipe.HGetAll(ctx, s.key(Join(prefix, name)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(names))
	var stale []interface{}
	for i, cmd := range cmds {
		rec, err := decodeHash(Join(prefix, names[i]), cmd.Val())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				stale = append(stale, names[i])
			}
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, s.indexKey(prefix), stale...).Err()
	}
	return out, nil
}

func decodeHash(path string, vals map[string]string) (Record, error) {
	if len(vals) == 0 {
		return Record{}, ErrNotFound
	}
	raw, ok := vals[fieldVersion]
	if !ok {
		return Record{}, fmt.Errorf("store: %s has no version", path)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("store: bad version on %s: %w", path, err)
	}
	return Record{Path: path, Version: versionFromNanos(n), Data: []byte(vals[fieldData])}, nil
}
