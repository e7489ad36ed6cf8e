package db

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	deniedBucket = []byte("denied")
	expiryBucket = []byte("denied_expiry")
)

// purgeBatch bounds how many lapsed entries one Deny call sweeps.
const purgeBatch = 100

// BoltDenylist persists revoked token ids in a single file so revocations
// survive restarts of a single-instance deployment without Redis.
type BoltDenylist struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBoltDenylist(path string) (*BoltDenylist, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt denylist")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(deniedBucket); err != nil {
			return errors.Wrap(err, "create denied bucket")
		}
		if _, err := tx.CreateBucketIfNotExists(expiryBucket); err != nil {
			return errors.Wrap(err, "create expiry bucket")
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDenylist{db: db, now: time.Now}, nil
}

func (b *BoltDenylist) Deny(ctx context.Context, jti string, until time.Time) error {
	_, err := b.put(ctx, jti, until, false)
	return err
}

// Claim checks and stores jti in one write transaction; bolt serialises
// writers, so only the first Claim for a live jti wins.
func (b *BoltDenylist) Claim(ctx context.Context, jti string, until time.Time) (bool, error) {
	return b.put(ctx, jti, until, true)
}

func (b *BoltDenylist) put(ctx context.Context, jti string, until time.Time, exclusive bool) (bool, error) {
	if jti == "" {
		return false, errors.New("token id cannot be empty")
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	now := b.now()
	if !until.After(now) {
		return true, nil
	}
	won := true
	err := b.db.Update(func(tx *bolt.Tx) error {
		denied := tx.Bucket(deniedBucket)
		expiry := tx.Bucket(expiryBucket)
		if exclusive {
			if raw := denied.Get([]byte(jti)); len(raw) == 8 && int64(binary.BigEndian.Uint64(raw)) > now.UnixNano() {
				won = false
				return nil
			}
		}
		if err := purge(denied, expiry, now, purgeBatch); err != nil {
			return err
		}
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(until.UnixNano()))
		if err := denied.Put([]byte(jti), ts[:]); err != nil {
			return errors.Wrap(err, "store denied token")
		}
		return errors.Wrap(expiry.Put(expireKey(until, jti), []byte(jti)), "index denied token")
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

func (b *BoltDenylist) Denied(ctx context.Context, jti string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	var denied bool
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(deniedBucket).Get([]byte(jti))
		if len(raw) != 8 {
			return nil
		}
		until := int64(binary.BigEndian.Uint64(raw))
		denied = b.now().UnixNano() < until
		return nil
	})
	return denied, errors.Wrap(err, "bolt denylist lookup")
}

// purge drops up to limit entries whose token has expired anyway. Keys are
// collected first; deleting under a live cursor skips elements.
func purge(denied, expiry *bolt.Bucket, now time.Time, limit int) error {
	cutoff := uint64(now.UnixNano())
	var keys, ids [][]byte
	c := expiry.Cursor()
	for k, v := c.First(); k != nil && len(keys) < limit; k, v = c.Next() {
		if binary.BigEndian.Uint64(k[:8]) > cutoff {
			break
		}
		keys = append(keys, append([]byte(nil), k...))
		ids = append(ids, append([]byte(nil), v...))
	}
	for i := range keys {
		if err := denied.Delete(ids[i]); err != nil {
			return errors.Wrap(err, "purge denied token")
		}
		if err := expiry.Delete(keys[i]); err != nil {
			return errors.Wrap(err, "purge expiry index")
		}
	}
	return nil
}

func (b *BoltDenylist) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func expireKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	copy(key[8:], id)
	return key
}
