// Package redis provides a cache store backed by Redis via rueidis, for
// deployments that share one durable mirror between processes. Each record is
// one hash; the sync engine writes shared fields, local mutations write
// private fields, and the two field groups are disjoint, so each single HSET
// keeps the per-record commit atomic.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/fieldmark/fieldmark/internal/cache"
	"github.com/fieldmark/fieldmark/internal/domain/geo"
	"github.com/fieldmark/fieldmark/internal/domain/record"
)

// Compile-time check: Store implements cache.Store.
var _ cache.Store = (*Store)(nil)

// Config holds connection parameters for a Redis-backed cache.
type Config struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements cache.Store on a Redis hash per record.
type Store struct {
	client rueidis.Client
	prefix string
}

// NewStore creates a Redis cache store.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "fieldmark:"
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Close shuts down the client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func (s *Store) recordKey(id string) string { return s.prefix + "rec:" + id }
func (s *Store) stateKey() string           { return s.prefix + "state" }
func (s *Store) dirtySeqKey() string        { return s.prefix + "dirty-seq" }

// Get returns the entry for id, or cache.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (cache.Entry, error) {
	fields, err := s.hgetall(ctx, s.recordKey(id))
	if err != nil {
		return cache.Entry{}, err
	}
	if len(fields) == 0 {
		return cache.Entry{}, cache.ErrNotFound
	}
	return entryFromFields(id, fields), nil
}

// AllVisible scans every record hash and returns approved, fetched records
// ordered by id.
func (s *Store) AllVisible(ctx context.Context) ([]record.Record, error) {
	entries, err := s.scanEntries(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]record.Record, 0, len(entries))
	for _, entry := range entries {
		if entry.Queryable() {
			records = append(records, entry.Record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID() < records[j].ID() })
	return records, nil
}

// ApplyRemote merges a pulled record. Only shared and sync-metadata fields
// are written, so a concurrent private-field mutation cannot be clobbered.
func (s *Store) ApplyRemote(ctx context.Context, remote record.Record, now time.Time) (bool, error) {
	key := s.recordKey(remote.ID())
	existing, err := s.hgetall(ctx, key)
	if err != nil {
		return false, err
	}

	if len(existing) > 0 {
		lastSynced, _ := strconv.ParseInt(existing["last_synced_version"], 10, 64)
		if remote.Version() <= lastSynced {
			return false, nil
		}
	}

	fields := sharedFields(remote.Shared())
	fields["version"] = strconv.FormatInt(remote.Version(), 10)
	fields["last_synced_version"] = strconv.FormatInt(remote.Version(), 10)
	fields["last_fetched_at"] = strconv.FormatInt(now.UTC().UnixMilli(), 10)
	if len(existing) == 0 {
		fields["visited"] = "0"
		fields["favorite"] = "0"
		fields["dirty"] = "0"
	}
	if err := s.hset(ctx, key, fields); err != nil {
		return false, err
	}
	return true, nil
}

// MarkLocalMutation writes private fields and the dirty marker only.
func (s *Store) MarkLocalMutation(ctx context.Context, id string, private record.Private) error {
	key := s.recordKey(id)
	existing, err := s.hgetall(ctx, key)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return cache.ErrNotFound
	}

	fields := map[string]string{
		"visited":  boolField(private.Visited),
		"favorite": boolField(private.Favorite),
		"dirty":    "1",
	}
	if existing["dirty"] != "1" {
		seqCmd := s.client.B().Incr().Key(s.dirtySeqKey()).Build()
		seq, err := s.client.Do(ctx, seqCmd).AsInt64()
		if err != nil {
			return &cache.Error{Op: cache.OpMark, Err: err}
		}
		fields["dirty_seq"] = strconv.FormatInt(seq, 10)
	}
	return s.hset(ctx, key, fields)
}

// ConfirmPush advances the synced version and clears the dirty marker,
// unless the private fields no longer match the pushed snapshot: then the
// newer mutation stays dirty and is pushed next cycle.
func (s *Store) ConfirmPush(ctx context.Context, id string, pushed record.Private, version int64) error {
	key := s.recordKey(id)
	existing, err := s.hgetall(ctx, key)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return cache.ErrNotFound
	}

	v := strconv.FormatInt(version, 10)
	fields := map[string]string{
		"version":             v,
		"last_synced_version": v,
	}
	unchanged := existing["visited"] == boolField(pushed.Visited) &&
		existing["favorite"] == boolField(pushed.Favorite)
	if unchanged {
		fields["dirty"] = "0"
	}
	if err := s.hset(ctx, key, fields); err != nil {
		return err
	}
	if unchanged {
		cmd := s.client.B().Hdel().Key(key).Field("dirty_seq").Build()
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return &cache.Error{Op: cache.OpConfirm, Err: err}
		}
	}
	return nil
}

// DirtyEntries returns entries pending push, oldest mutation first.
func (s *Store) DirtyEntries(ctx context.Context) ([]cache.Entry, error) {
	entries, err := s.scanEntries(ctx)
	if err != nil {
		return nil, err
	}
	type seqEntry struct {
		seq   int64
		entry cache.Entry
	}
	dirty := make([]seqEntry, 0)
	for id, entry := range entries {
		if !entry.Dirty {
			continue
		}
		fields, err := s.hgetall(ctx, s.recordKey(id))
		if err != nil {
			return nil, err
		}
		seq, _ := strconv.ParseInt(fields["dirty_seq"], 10, 64)
		dirty = append(dirty, seqEntry{seq: seq, entry: entry})
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].seq < dirty[j].seq })

	out := make([]cache.Entry, len(dirty))
	for i, d := range dirty {
		out[i] = d.entry
	}
	return out, nil
}

// LoadState returns the persisted sync state, or cache.ErrNoState.
func (s *Store) LoadState(ctx context.Context) (cache.State, error) {
	cmd := s.client.B().Get().Key(s.stateKey()).Build()
	data, err := s.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return cache.State{}, cache.ErrNoState
		}
		return cache.State{}, &cache.Error{Op: cache.OpLoadState, Err: err}
	}
	var state cache.State
	if err := json.Unmarshal(data, &state); err != nil {
		return cache.State{}, &cache.Error{Op: cache.OpLoadState, Err: err}
	}
	return state, nil
}

// SaveState persists the sync state as a JSON string.
func (s *Store) SaveState(ctx context.Context, state cache.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return &cache.Error{Op: cache.OpSaveState, Err: err}
	}
	cmd := s.client.B().Set().Key(s.stateKey()).Value(string(data)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return &cache.Error{Op: cache.OpSaveState, Err: err}
	}
	return nil
}

func (s *Store) hset(ctx context.Context, key string, fields map[string]string) error {
	cmd := s.client.B().Hset().Key(key).FieldValue()
	for k, v := range fields {
		cmd = cmd.FieldValue(k, v)
	}
	if err := s.client.Do(ctx, cmd.Build()).Error(); err != nil {
		return &cache.Error{Op: cache.OpPut, Err: err}
	}
	return nil
}

func (s *Store) hgetall(ctx context.Context, key string) (map[string]string, error) {
	cmd := s.client.B().Hgetall().Key(key).Build()
	m, err := s.client.Do(ctx, cmd).AsStrMap()
	if err != nil {
		return nil, &cache.Error{Op: cache.OpGet, Err: err}
	}
	return m, nil
}

// scanEntries loads every record hash keyed by record id.
func (s *Store) scanEntries(ctx context.Context) (map[string]cache.Entry, error) {
	var keys []string
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(s.prefix + "rec:*").Count(100).Build()
		res, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, &cache.Error{Op: cache.OpScan, Err: err}
		}
		keys = append(keys, res.Elements...)
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}

	entries := make(map[string]cache.Entry, len(keys))
	for _, key := range keys {
		fields, err := s.hgetall(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		id := strings.TrimPrefix(key, s.prefix+"rec:")
		entries[id] = entryFromFields(id, fields)
	}
	return entries, nil
}

func sharedFields(shared record.Shared) map[string]string {
	fields := map[string]string{
		"name":           shared.Name,
		"description":    shared.Description,
		"style":          shared.Style,
		"classification": shared.Classification,
		"jurisdiction":   shared.Jurisdiction,
		"approved":       boolField(shared.Approved),
		"founded":        "",
		"lat":            "",
		"lon":            "",
	}
	if shared.Founded != nil {
		fields["founded"] = strconv.Itoa(*shared.Founded)
	}
	if shared.Coord != nil {
		fields["lat"] = strconv.FormatFloat(shared.Coord.Lat, 'f', -1, 64)
		fields["lon"] = strconv.FormatFloat(shared.Coord.Lon, 'f', -1, 64)
	}
	return fields
}

func entryFromFields(id string, fields map[string]string) cache.Entry {
	shared := record.Shared{
		Name:           fields["name"],
		Description:    fields["description"],
		Style:          fields["style"],
		Classification: fields["classification"],
		Jurisdiction:   fields["jurisdiction"],
		Approved:       fields["approved"] == "1",
	}
	if v := fields["founded"]; v != "" {
		if year, err := strconv.Atoi(v); err == nil {
			shared.Founded = &year
		}
	}
	if latStr, lonStr := fields["lat"], fields["lon"]; latStr != "" && lonStr != "" {
		lat, latErr := strconv.ParseFloat(latStr, 64)
		lon, lonErr := strconv.ParseFloat(lonStr, 64)
		if latErr == nil && lonErr == nil {
			shared.Coord = &geo.Coordinate{Lat: lat, Lon: lon}
		}
	}
	private := record.Private{
		Visited:  fields["visited"] == "1",
		Favorite: fields["favorite"] == "1",
	}

	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	lastSynced, _ := strconv.ParseInt(fields["last_synced_version"], 10, 64)

	entry := cache.Entry{
		Record:            record.Reconstruct(id, shared, private, version),
		LastSyncedVersion: lastSynced,
		Dirty:             fields["dirty"] == "1",
	}
	if v := fields["last_fetched_at"]; v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			entry.LastFetchedAt = time.UnixMilli(ms).UTC()
		}
	}
	return entry
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
