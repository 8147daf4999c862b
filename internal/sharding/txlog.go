package sharding

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// TxLogFileName is the coordinator decision log inside the store root.
const TxLogFileName = "txlog.db"

var txBucket = []byte("transactions")

// TxLog durably records the state of unfinished transactions. Finished
// transactions are removed.
type TxLog struct {
	db *bolt.DB
}

// OpenTxLog opens or creates the log at path.
func OpenTxLog(path string) (*TxLog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("sharding: open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(txBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sharding: init bucket: %w", err)
	}
	return &TxLog{db: db}, nil
}

// Put stores t, replacing any earlier state. It returns once the write is
// fsynced.
func (l *TxLog) Put(t *Transaction) error {
	data, err := msgpack.Marshal(t)
	if err != nil {
		return fmt.Errorf("sharding: encode transaction: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(txBucket).Put(t.ID[:], data)
	})
}

// Delete forgets a finished transaction.
func (l *TxLog) Delete(id uuid.UUID) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(txBucket).Delete(id[:])
	})
}

// Get returns the stored state of id.
func (l *TxLog) Get(id uuid.UUID) (*Transaction, bool, error) {
	var out *Transaction
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(txBucket).Get(id[:])
		if data == nil {
			return nil
		}
		out = &Transaction{}
		return msgpack.Unmarshal(data, out)
	})
	if err != nil {
		return nil, false, fmt.Errorf("sharding: decode transaction: %w", err)
	}
	return out, out != nil, nil
}

// Pending returns every unfinished transaction in id order.
func (l *TxLog) Pending() ([]*Transaction, error) {
	var out []*Transaction
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(txBucket).ForEach(func(_, v []byte) error {
			t := &Transaction{}
			if err := msgpack.Unmarshal(v, t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sharding: read transaction log: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (l *TxLog) Close() error {
	return l.db.Close()
}
