package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/hakulab/haku/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes = []byte("nodes")
	bucketTasks = []byte("tasks")
)

// BoltStore implements Store using a single BoltDB file. Tasks are keyed by
// their big-endian id so cursor iteration yields tasks in id (and therefore
// admission) order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "haku.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketTasks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &StoreError{Op: "init", Err: err}
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func taskKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.Hostname), data)
	})
	if err != nil {
		return &StoreError{Op: "create-node", Err: err}
	}
	return nil
}

func (s *BoltStore) GetNode(hostname string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(hostname))
		if data == nil {
			return ErrNodeNotFound
		}
		return json.Unmarshal(data, &node)
	})
	if err == ErrNodeNotFound {
		return nil, err
	}
	if err != nil {
		return nil, &StoreError{Op: "get-node", Err: err}
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	if err != nil {
		return nil, &StoreError{Op: "list-nodes", Err: err}
	}
	return nodes, nil
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node) // upsert
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		key := taskKey(task.ID)
		if b.Get(key) != nil {
			return fmt.Errorf("task %d already exists", task.ID)
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return &StoreError{Op: "create-task", Err: err}
	}
	return nil
}

func (s *BoltStore) GetTask(id int64) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(taskKey(id))
		if data == nil {
			return ErrTaskNotFound
		}
		return json.Unmarshal(data, &task)
	})
	if err == ErrTaskNotFound {
		return nil, err
	}
	if err != nil {
		return nil, &StoreError{Op: "get-task", Err: err}
	}
	return &task, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		key := taskKey(task.ID)
		if b.Get(key) == nil {
			return ErrTaskNotFound
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err == ErrTaskNotFound {
		return err
	}
	if err != nil {
		return &StoreError{Op: "update-task", Err: err}
	}
	return nil
}

func (s *BoltStore) listTasks(match func(*types.Task) bool) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if match(&task) {
				tasks = append(tasks, &task)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "list-tasks", Err: err}
	}
	return tasks, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	return s.listTasks(func(*types.Task) bool { return true })
}

func (s *BoltStore) ListTasksByStatus(statuses ...types.TaskStatus) ([]*types.Task, error) {
	set := make(map[types.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		set[st] = true
	}
	return s.listTasks(func(t *types.Task) bool { return set[t.Status] })
}

func (s *BoltStore) ListTasksByHostname(hostname string) ([]*types.Task, error) {
	return s.listTasks(func(t *types.Task) bool { return t.TargetHostname == hostname })
}

func (s *BoltStore) ListActiveVPSTasks() ([]*types.Task, error) {
	return s.listTasks(func(t *types.Task) bool {
		return t.Type == types.TaskVPS && !t.Status.Terminal()
	})
}

func (s *BoltStore) TransitionTask(id int64, to types.TaskStatus, from []types.TaskStatus, mutate func(*types.Task)) (bool, error) {
	var transitioned bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		key := taskKey(id)
		data := b.Get(key)
		if data == nil {
			return ErrTaskNotFound
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}

		legal := false
		for _, st := range from {
			if task.Status == st {
				legal = true
				break
			}
		}
		if !legal {
			return nil
		}

		task.Status = to
		if mutate != nil {
			mutate(&task)
		}
		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		if err := b.Put(key, out); err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err == ErrTaskNotFound {
		return false, err
	}
	if err != nil {
		return false, &StoreError{Op: "transition-task", Err: err}
	}
	return transitioned, nil
}
