// Package store provides the durable badger-backed implementation of the
// fleet persistence boundary: endpoints, the instance cache and the task
// table, stored as JSON values under key prefixes.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/virtfleet/fleet"
)

const (
	endpointPrefix = "endpoint:"
	instancePrefix = "instance:"
	taskPrefix     = "task:"
)

// BadgerStore implements fleet.Store on an embedded badger database. All
// mutations run inside badger transactions, which makes the
// claim-oldest-pending check-then-act atomic within the process.
type BadgerStore struct {
	db *badger.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func endpointKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", endpointPrefix, uint64(id)))
}

func instanceKey(key fleet.InstanceKey) []byte {
	return []byte(fmt.Sprintf("%s%016x:%010d", instancePrefix, uint64(key.GroupID), key.InstanceID))
}

func taskKey(id string) []byte {
	return []byte(taskPrefix + id)
}

func (s *BadgerStore) ListEndpoints(ctx context.Context) ([]fleet.Endpoint, error) {
	var out []fleet.Endpoint
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, endpointPrefix, func(ep fleet.Endpoint) error {
			out = append(out, ep)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *BadgerStore) SaveEndpoint(ctx context.Context, ep fleet.Endpoint) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, endpointKey(ep.ID), ep)
	})
}

func (s *BadgerStore) DeleteEndpoint(ctx context.Context, id int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := endpointKey(id)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return fleet.ErrEndpointNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) SetEndpointHealth(ctx context.Context, id int64, online bool, lastError string, checkedAt time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var ep fleet.Endpoint
		if err := get(txn, endpointKey(id), &ep); err != nil {
			if err == badger.ErrKeyNotFound {
				return fleet.ErrEndpointNotFound
			}
			return err
		}
		ep.IsOnline = online
		ep.LastError = lastError
		ep.LastCheck = checkedAt
		return put(txn, endpointKey(id), ep)
	})
}

func (s *BadgerStore) ListInstances(ctx context.Context, f fleet.InstanceFilter) ([]fleet.Instance, error) {
	var out []fleet.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, instancePrefix, func(inst fleet.Instance) error {
			if !f.IncludeDeleted && inst.Deleted() {
				return nil
			}
			if f.GroupID != nil && inst.GroupID != *f.GroupID {
				return nil
			}
			out = append(out, inst)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Keys are zero-padded, so iteration order already matches
	// (group, instance) ascending; the sort keeps that explicit.
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out, nil
}

func (s *BadgerStore) GetInstance(ctx context.Context, key fleet.InstanceKey) (fleet.Instance, error) {
	var inst fleet.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		if err := get(txn, instanceKey(key), &inst); err != nil {
			if err == badger.ErrKeyNotFound {
				return fleet.ErrInstanceNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fleet.Instance{}, err
	}
	return inst, nil
}

func (s *BadgerStore) UpsertInstance(ctx context.Context, inst fleet.Instance) error {
	// Keys encode both IDs as fixed-width unsigned fields; negative IDs
	// would wrap and break the prefix ordering.
	if inst.GroupID < 0 || inst.InstanceID < 0 {
		return fmt.Errorf("upsert instance %s: ids must be non-negative", inst.Key())
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, instanceKey(inst.Key()), inst)
	})
}

func (s *BadgerStore) SoftDeleteInstance(ctx context.Context, key fleet.InstanceKey, at time.Time) (bool, error) {
	marked := false
	err := s.db.Update(func(txn *badger.Txn) error {
		var inst fleet.Instance
		if err := get(txn, instanceKey(key), &inst); err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		if inst.Deleted() {
			return nil
		}
		deletedAt := at
		inst.SoftDeletedAt = &deletedAt
		if err := put(txn, instanceKey(key), inst); err != nil {
			return err
		}
		marked = true
		return nil
	})
	return marked, err
}

func (s *BadgerStore) CreateTask(ctx context.Context, t *fleet.Task) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return put(txn, taskKey(t.ID), *t)
	})
}

func (s *BadgerStore) GetTask(ctx context.Context, id string) (fleet.Task, error) {
	var t fleet.Task
	err := s.db.View(func(txn *badger.Txn) error {
		if err := get(txn, taskKey(id), &t); err != nil {
			if err == badger.ErrKeyNotFound {
				return fleet.ErrTaskNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fleet.Task{}, err
	}
	return t, nil
}

func (s *BadgerStore) ListTasks(ctx context.Context, f fleet.TaskFilter) ([]fleet.Task, error) {
	var out []fleet.Task
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, taskPrefix, func(t fleet.Task) error {
			if f.Owner != nil && t.Owner != *f.Owner {
				return nil
			}
			if len(f.Statuses) > 0 && !hasStatus(f.Statuses, t.Status) {
				return nil
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *BadgerStore) UpdateTask(ctx context.Context, t fleet.Task) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(taskKey(t.ID)); err == badger.ErrKeyNotFound {
			return fleet.ErrTaskNotFound
		} else if err != nil {
			return err
		}
		return put(txn, taskKey(t.ID), t)
	})
}

func (s *BadgerStore) ClaimOldestPending(ctx context.Context, startedAt time.Time) (*fleet.Task, error) {
	var claimed *fleet.Task
	err := s.db.Update(func(txn *badger.Txn) error {
		var oldest *fleet.Task
		err := scan(txn, taskPrefix, func(t fleet.Task) error {
			if t.Status == fleet.TaskRunning {
				oldest = nil
				return errStopScan
			}
			if t.Status != fleet.TaskPending {
				return nil
			}
			if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) ||
				(t.CreatedAt.Equal(oldest.CreatedAt) && t.ID < oldest.ID) {
				copied := t
				oldest = &copied
			}
			return nil
		})
		if err != nil && err != errStopScan {
			return err
		}
		if oldest == nil {
			return nil
		}

		started := startedAt
		oldest.Status = fleet.TaskRunning
		oldest.StartedAt = &started
		if err := put(txn, taskKey(oldest.ID), *oldest); err != nil {
			return err
		}
		claimed = oldest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BadgerStore) PruneFinishedTasks(ctx context.Context, cutoff time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var stale [][]byte
		err := scan(txn, taskPrefix, func(t fleet.Task) error {
			if !t.Status.Finished() {
				return nil
			}
			if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
				stale = append(stale, taskKey(t.ID))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

var errStopScan = fmt.Errorf("stop scan")

func put(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return txn.Set(key, data)
}

func get(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(data []byte) error {
		return json.Unmarshal(data, v)
	})
}

// scan decodes every value under prefix into T and passes it to fn.
func scan[T any](txn *badger.Txn, prefix string, fn func(T) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if !bytes.HasPrefix(it.Item().Key(), p) {
			break
		}
		var v T
		err := it.Item().Value(func(data []byte) error {
			return json.Unmarshal(data, &v)
		})
		if err != nil {
			return fmt.Errorf("failed to decode value at %q: %w", it.Item().Key(), err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func hasStatus(statuses []fleet.TaskStatus, s fleet.TaskStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
