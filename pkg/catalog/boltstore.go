package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/efc-ti/efc-backup/pkg/errdefs"
	"github.com/efc-ti/efc-backup/pkg/types"
)

var (
	// Bucket names
	bucketClients   = []byte("clients")
	bucketBackups   = []byte("backups")
	bucketSchedules = []byte("schedules")
	bucketActivity  = []byte("activity")
	bucketNetStats  = []byte("network_stats")
	bucketSettings  = []byte("settings")
)

// BoltStore implements Store using BoltDB.
//
// mu guards the db handle: Compact closes and swaps it, so every transaction
// runs under a read lock and Compact takes the write lock, quiescing all
// readers and writers for the swap.
type BoltStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	dbPath string
}

// NewBoltStore opens (or creates) the catalog database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: failed to create data dir: %v", errdefs.ErrCatalog, err)
	}
	dbPath := filepath.Join(dataDir, "efc-backup.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", errdefs.ErrCatalog, err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketClients,
			bucketBackups,
			bucketSchedules,
			bucketActivity,
			bucketNetStats,
			bucketSettings,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}

	return &BoltStore{db: db, dbPath: dbPath}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Client operations

func (s *BoltStore) UpsertClient(client *types.Client) error {
	now := time.Now().UTC()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now
	return s.put(bucketClients, []byte(client.Name), clientRow{
		Client: *client,
		Secret: client.Secret,
	})
}

func (s *BoltStore) GetClient(name string) (*types.Client, error) {
	var row clientRow
	if err := s.get(bucketClients, []byte(name), &row); err != nil {
		return nil, err
	}
	c := row.Client
	c.Secret = row.Secret
	return &c, nil
}

func (s *BoltStore) ListClients() ([]*types.Client, error) {
	var clients []*types.Client
	err := s.forEach(bucketClients, func(v []byte) error {
		var row clientRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		if row.Client.DeletedAt != nil {
			return nil
		}
		c := row.Client
		c.Secret = row.Secret
		clients = append(clients, &c)
		return nil
	})
	return clients, err
}

func (s *BoltStore) ListActiveClients() ([]*types.Client, error) {
	clients, err := s.ListClients()
	if err != nil {
		return nil, err
	}
	var active []*types.Client
	for _, c := range clients {
		if c.Active {
			active = append(active, c)
		}
	}
	return active, nil
}

func (s *BoltStore) DeleteClient(name string) error {
	client, err := s.GetClient(name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	client.DeletedAt = &now
	client.Active = false
	return s.UpsertClient(client)
}

// Backup operations

func (s *BoltStore) InsertBackup(record *types.BackupRecord) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		if b.Get([]byte(record.ID)) != nil {
			return fmt.Errorf("%w: backup %s already exists", errdefs.ErrCatalog, record.ID)
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.ID), data)
	})
}

func (s *BoltStore) UpdateBackup(record *types.BackupRecord) error {
	return s.put(bucketBackups, []byte(record.ID), record)
}

func (s *BoltStore) GetBackup(id string) (*types.BackupRecord, error) {
	var record types.BackupRecord
	if err := s.get(bucketBackups, []byte(id), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) ListBackups(filter BackupFilter) ([]*types.BackupRecord, error) {
	var records []*types.BackupRecord
	err := s.forEach(bucketBackups, func(v []byte) error {
		var record types.BackupRecord
		if err := json.Unmarshal(v, &record); err != nil {
			return err
		}
		if filter.Client != "" && record.ClientName != filter.Client {
			return nil
		}
		if filter.Status != "" && record.Status != filter.Status {
			return nil
		}
		if filter.Kind != "" && record.Kind != filter.Kind {
			return nil
		}
		if !filter.Since.IsZero() && record.StartedAt.Before(filter.Since) {
			return nil
		}
		records = append(records, &record)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first.
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func (s *BoltStore) BackupStats() (*types.BackupStats, error) {
	records, err := s.ListBackups(BackupFilter{})
	if err != nil {
		return nil, err
	}
	stats := &types.BackupStats{
		ByStatus: make(map[types.BackupStatus]int),
	}
	dayAgo := time.Now().UTC().Add(-24 * time.Hour)
	for _, r := range records {
		stats.Total++
		stats.ByStatus[r.Status]++
		stats.TotalSizeMB += r.SizeMB
		if r.StartedAt.After(dayAgo) {
			stats.Last24h++
		}
	}
	return stats, nil
}

func (s *BoltStore) DeleteBackupsBefore(cutoff time.Time) (int, error) {
	deleted := 0
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var record types.BackupRecord
			if err := json.Unmarshal(v, &record); err != nil {
				continue
			}
			if record.StartedAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}
	return deleted, nil
}

// Schedule operations

func (s *BoltStore) UpsertSchedule(schedule *types.Schedule) error {
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now().UTC()
	}
	return s.put(bucketSchedules, []byte(schedule.Name), schedule)
}

func (s *BoltStore) GetSchedule(name string) (*types.Schedule, error) {
	var schedule types.Schedule
	if err := s.get(bucketSchedules, []byte(name), &schedule); err != nil {
		return nil, err
	}
	return &schedule, nil
}

func (s *BoltStore) ListActiveSchedules() ([]*types.Schedule, error) {
	var schedules []*types.Schedule
	err := s.forEach(bucketSchedules, func(v []byte) error {
		var schedule types.Schedule
		if err := json.Unmarshal(v, &schedule); err != nil {
			return err
		}
		if schedule.Active && schedule.DeletedAt == nil {
			schedules = append(schedules, &schedule)
		}
		return nil
	})
	return schedules, err
}

func (s *BoltStore) DeleteSchedule(name string) error {
	schedule, err := s.GetSchedule(name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	schedule.DeletedAt = &now
	schedule.Active = false
	return s.UpsertSchedule(schedule)
}

func (s *BoltStore) IncrementScheduleRuns(name string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%w: schedule not found: %s", errdefs.ErrCatalog, name)
		}
		var schedule types.Schedule
		if err := json.Unmarshal(data, &schedule); err != nil {
			return err
		}
		schedule.RunCount++
		out, err := json.Marshal(&schedule)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), out)
	})
}

// Activity log operations. Keys are nanosecond timestamps with a sequence
// suffix so entries iterate in insertion order.

func (s *BoltStore) AppendActivity(entry *types.ActivityEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActivity)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.ID = fmt.Sprintf("%d", seq)
		key := activityKey(entry.Timestamp, seq)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListActivity(limit int) ([]*types.ActivityEntry, error) {
	var entries []*types.ActivityEntry
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActivity).Cursor()
		// Newest first.
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry types.ActivityEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}
	return entries, nil
}

func (s *BoltStore) DeleteActivityBefore(cutoff time.Time) (int, error) {
	deleted := 0
	limit := activityKey(cutoff, 0)
	err := s.update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActivity).Cursor()
		for k, _ := c.First(); k != nil && string(k) < string(limit); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}
	return deleted, nil
}

// Network stats operations

func (s *BoltStore) InsertNetworkStats(stats *types.NetworkStats) error {
	return s.put(bucketNetStats, []byte(stats.BackupID), stats)
}

func (s *BoltStore) GetNetworkStats(backupID string) (*types.NetworkStats, error) {
	var stats types.NetworkStats
	if err := s.get(bucketNetStats, []byte(backupID), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *BoltStore) DeleteNetworkStatsBefore(cutoff time.Time) (int, error) {
	deleted := 0
	err := s.update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNetStats).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var stats types.NetworkStats
			if err := json.Unmarshal(v, &stats); err != nil {
				continue
			}
			if stats.StartedAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}
	return deleted, nil
}

// Settings operations

func (s *BoltStore) GetSetting(key string) (string, error) {
	var value string
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get([]byte(key))
		if data == nil {
			return nil // missing settings read as empty
		}
		value = string(data)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}
	return value, nil
}

func (s *BoltStore) SetSetting(key, value string) error {
	err := s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}
	return nil
}

// Compact rewrites the database into a fresh file to reclaim space freed by
// retention deletes, then swaps it in place.
func (s *BoltStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.dbPath + ".compact"
	os.Remove(tmpPath)

	dst, err := bolt.Open(tmpPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("%w: failed to open compaction target: %v", errdefs.ErrCatalog, err)
	}

	if err := bolt.Compact(dst, s.db, 0); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: compaction failed: %v", errdefs.ErrCatalog, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}
	if err := os.Rename(tmpPath, s.dbPath); err != nil {
		return fmt.Errorf("%w: failed to swap compacted database: %v", errdefs.ErrCatalog, err)
	}

	db, err := bolt.Open(s.dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("%w: failed to reopen database: %v", errdefs.ErrCatalog, err)
	}
	s.db = db
	return nil
}

// clientRow wraps Client so the secret survives storage while staying out of
// every other JSON rendering of the type.
type clientRow struct {
	Client types.Client `json:"client"`
	Secret string       `json:"secret"`
}

// Generic helpers

// view and update run one transaction while holding the handle read lock, so
// the db pointer cannot be swapped out from under an open transaction.
func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(fn)
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Update(fn)
}

func (s *BoltStore) put(bucket, key []byte, v interface{}) error {
	err := s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}
	return nil
}

func (s *BoltStore) get(bucket, key []byte, v interface{}) error {
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return fmt.Errorf("not found: %s", key)
		}
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}
	return nil
}

func (s *BoltStore) forEach(bucket []byte, fn func(v []byte) error) error {
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			return fn(v)
		})
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrCatalog, err)
	}
	return nil
}

func activityKey(ts time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}
