// Package mas queries the metadata index for the raster files of a
// collection intersecting an area and time range.
package mas

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/nci/gomemcache/memcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const ISOFormat = "2006-01-02T15:04:05.000Z"

type Query struct {
	Collection string
	SRS        string
	WKT        string
	Start      time.Time
	End        time.Time
	Namespaces []string
}

// Key identifies the query in the response cache.
func (q Query) Key() string {
	buff := md5.Sum([]byte(strings.Join([]string{
		q.Collection, q.SRS, q.WKT, formatTime(q.Start), formatTime(q.End), strings.Join(q.Namespaces, ","),
	}, "|")))
	return hex.EncodeToString(buff[:])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(ISOFormat)
}

type GDALDataset struct {
	DSName     string      `json:"ds_name"`
	FilePath   string      `json:"file_path"`
	Namespace  string      `json:"namespace"`
	ArrayType  string      `json:"array_type"`
	TimeStamps []time.Time `json:"timestamps"`
	Polygon    string      `json:"polygon"`
}

type MetadataResponse struct {
	Error        string        `json:"error"`
	Files        []string      `json:"files"`
	GDALDatasets []GDALDataset `json:"gdal"`
}

// Store runs an intersects query and returns the raw json payload.
type Store interface {
	Intersects(ctx context.Context, q Query) ([]byte, error)
}

type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

// PostgresStore calls the mas_intersects database function.
type PostgresStore struct {
	DB *sql.DB
}

func OpenPostgres(dsn string, maxOpen int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open metadata database")
	}
	if maxOpen > 0 {
		db.SetMaxIdleConns(maxOpen)
		db.SetMaxOpenConns(maxOpen)
	}
	return &PostgresStore{DB: db}, nil
}

func (s *PostgresStore) Intersects(ctx context.Context, q Query) ([]byte, error) {
	var payload string
	// nullif() turns empty strings into null arguments
	err := s.DB.QueryRowContext(ctx,
		`select mas_intersects(
			nullif($1,'')::text,
			nullif($2,'')::text,
			nullif($3,'')::text,
			null::integer,
			nullif($4,'')::timestamptz,
			nullif($5,'')::timestamptz,
			string_to_array(nullif($6,''), ','),
			null::numeric,
			null::text
		) as json`,
		q.Collection,
		q.SRS,
		q.WKT,
		formatTime(q.Start),
		formatTime(q.End),
		strings.Join(q.Namespaces, ","),
	).Scan(&payload)
	if err != nil {
		return nil, errors.Wrap(err, "mas_intersects")
	}
	return []byte(payload), nil
}

func (s *PostgresStore) Close() error {
	return s.DB.Close()
}

// MemcacheCache ignores cache failures; memcache may not retain entries
// anyway.
type MemcacheCache struct {
	Client *memcache.Client
	TTL    time.Duration
}

func NewMemcacheCache(addr string, ttl time.Duration) *MemcacheCache {
	return &MemcacheCache{Client: memcache.New(addr), TTL: ttl}
}

func (c *MemcacheCache) Get(key string) ([]byte, bool) {
	item, err := c.Client.Get(key)
	if err != nil {
		return nil, false
	}
	return item.Value, true
}

func (c *MemcacheCache) Set(key string, value []byte) {
	c.Client.Set(&memcache.Item{Key: key, Value: value, Expiration: int32(c.TTL.Seconds())})
}

// SourceIndex answers intersects queries through a store and an optional
// response cache.
type SourceIndex struct {
	store Store
	cache Cache
	log   *zap.Logger
}

func NewSourceIndex(store Store, cache Cache, log *zap.Logger) *SourceIndex {
	if log == nil {
		log = zap.NewNop()
	}
	return &SourceIndex{store: store, cache: cache, log: log}
}

func (s *SourceIndex) Query(ctx context.Context, q Query) (*MetadataResponse, error) {
	key := q.Key()
	var payload []byte
	cached := false
	if s.cache != nil {
		payload, cached = s.cache.Get(key)
	}
	if !cached {
		var err error
		if payload, err = s.store.Intersects(ctx, q); err != nil {
			return nil, err
		}
	}

	var resp MetadataResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.Wrap(err, "invalid metadata response")
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("metadata index: %s", resp.Error)
	}
	if !cached && s.cache != nil {
		s.cache.Set(key, payload)
	}
	s.log.Debug("metadata query",
		zap.String("collection", q.Collection),
		zap.Bool("cached", cached),
		zap.Int("datasets", len(resp.GDALDatasets)),
	)
	return &resp, nil
}

// Intersects returns the sorted, unique dataset names with at least one
// timestamp in [Start, End). Zero bounds are open.
func (s *SourceIndex) Intersects(ctx context.Context, q Query) ([]string, error) {
	resp, err := s.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var uris []string
	for _, ds := range resp.GDALDatasets {
		name := ds.DSName
		if name == "" {
			name = ds.FilePath
		}
		if name == "" || seen[name] || !inRange(ds.TimeStamps, q.Start, q.End) {
			continue
		}
		seen[name] = true
		uris = append(uris, name)
	}
	for _, f := range resp.Files {
		if !seen[f] && len(resp.GDALDatasets) == 0 {
			seen[f] = true
			uris = append(uris, f)
		}
	}
	sort.Strings(uris)
	return uris, nil
}

func inRange(stamps []time.Time, start, end time.Time) bool {
	if len(stamps) == 0 || start.IsZero() && end.IsZero() {
		return true
	}
	for _, t := range stamps {
		if (start.IsZero() || !t.Before(start)) && (end.IsZero() || t.Before(end)) {
			return true
		}
	}
	return false
}
