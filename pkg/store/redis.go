package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"geneset-workers/pkg/config"
	"geneset-workers/pkg/job"
)

const (
	// ResultTTL ages out result blobs, status records and uploaded payloads.
	ResultTTL = 6 * time.Hour

	// RequestSpecTTL ages out transient request-spec payloads.
	RequestSpecTTL = 30 * time.Minute
)

// ErrNotFound marks a missing key, as opposed to an unreachable store.
var ErrNotFound = errors.New("key not found")

// StorageError wraps any connectivity or protocol failure of the store.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Client is the shared status/result store. Every write replaces the whole
// value under its key, so readers never observe a torn record.
type Client struct {
	rdb redis.UniversalClient
}

// New connects to Redis, standalone or cluster per config, and verifies the
// connection with a ping.
func New(ctx context.Context, cfg config.Store) (*Client, error) {
	var rdb redis.UniversalClient
	if cfg.Cluster {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    []string{cfg.Addr()},
			Password: cfg.Password,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, &StorageError{Op: "connect", Key: cfg.Addr(), Err: err}
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// StatusKey returns the key holding a job's status record.
func StatusKey(family job.Family, id string) string {
	return fmt.Sprintf("%s:%s:status", family, id)
}

// ResultKey returns the key holding a job's result blob. The primary result
// lives under the bare result key; other data types get a suffix.
func ResultKey(family job.Family, id string, dataType job.DataType) string {
	if dataType == job.DataResult {
		return fmt.Sprintf("%s:%s:result", family, id)
	}
	return fmt.Sprintf("%s:%s:result:%s", family, id, dataType)
}

// RequestDataKey returns the key for a token-scoped uploaded payload.
func RequestDataKey(token string) string {
	return fmt.Sprintf("request_data:%s", token)
}

// RequestDataSummaryKey returns the key for a payload's summary.
func RequestDataSummaryKey(token string) string {
	return fmt.Sprintf("request_data:%s:summary", token)
}

// AnalysisRequestDataKey returns the key for a transient analysis request
// payload.
func AnalysisRequestDataKey(token string) string {
	return fmt.Sprintf("analysis_request:%s:data", token)
}

// GetStatus reads a job's status record. ErrNotFound means no record has
// been written (or it has expired).
func (c *Client) GetStatus(ctx context.Context, family job.Family, id string) (*job.StatusRecord, error) {
	key := StatusKey(family, id)
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	var rec job.StatusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, &StorageError{Op: "decode", Key: key, Err: err}
	}
	return &rec, nil
}

// SetStatus replaces a job's status record wholesale.
func (c *Client) SetStatus(ctx context.Context, family job.Family, id string, rec job.StatusRecord) error {
	key := StatusKey(family, id)
	raw, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "encode", Key: key, Err: err}
	}
	if err := c.rdb.Set(ctx, key, raw, ResultTTL).Err(); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// GetResult reads a result blob.
func (c *Client) GetResult(ctx context.Context, family job.Family, id string, dataType job.DataType) (string, error) {
	key := ResultKey(family, id, dataType)
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &StorageError{Op: "get", Key: key, Err: err}
	}
	return raw, nil
}

// SetResult stores a result blob. The blob is opaque here; interpretation
// belongs to the family's handler and its consumers.
func (c *Client) SetResult(ctx context.Context, family job.Family, id string, dataType job.DataType, blob string) error {
	key := ResultKey(family, id, dataType)
	if err := c.rdb.Set(ctx, key, blob, ResultTTL).Err(); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// SetRequestData stores a token-scoped uploaded payload with the long TTL.
func (c *Client) SetRequestData(ctx context.Context, token, payload string) error {
	key := RequestDataKey(token)
	if err := c.rdb.Set(ctx, key, payload, ResultTTL).Err(); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// GetRequestData reads a token-scoped uploaded payload.
func (c *Client) GetRequestData(ctx context.Context, token string) (string, error) {
	key := RequestDataKey(token)
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &StorageError{Op: "get", Key: key, Err: err}
	}
	return raw, nil
}

// SetRequestSummary stores the summary derived from an uploaded payload.
func (c *Client) SetRequestSummary(ctx context.Context, token, summary string) error {
	key := RequestDataSummaryKey(token)
	if err := c.rdb.Set(ctx, key, summary, ResultTTL).Err(); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// SetAnalysisRequestData stores a transient analysis request payload with
// the short TTL.
func (c *Client) SetAnalysisRequestData(ctx context.Context, token, payload string) error {
	key := AnalysisRequestDataKey(token)
	if err := c.rdb.Set(ctx, key, payload, RequestSpecTTL).Err(); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Exists reports whether a key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, &StorageError{Op: "exists", Key: key, Err: err}
	}
	return n > 0, nil
}
