package connection

import (
	"encoding/json"
	"sort"

	"github.com/johnstarich/sagelink/model"
	"github.com/johnstarich/sagelink/plaindb"
	"github.com/pkg/errors"
)

const (
	bucketName    = "connections"
	bucketVersion = "1"
)

// Store keeps a local copy of registered connections, keyed by requisition ID
type Store struct {
	bucket plaindb.Bucket
}

// NewStore opens the connections bucket
func NewStore(db plaindb.DB) (*Store, error) {
	bucket, err := db.Bucket(bucketName, bucketVersion, plaindb.JSONUpgrader(func(data json.RawMessage) (interface{}, error) {
		var conn model.Connection
		err := json.Unmarshal(data, &conn)
		return conn, err
	}))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open connection store")
	}
	return &Store{bucket: bucket}, nil
}

// All returns every stored connection, oldest first
func (s *Store) All() ([]model.Connection, error) {
	var conns []model.Connection
	var conn model.Connection
	err := s.bucket.Iter(&conn, func(id string) bool {
		conns = append(conns, conn)
		return true
	})
	sort.SliceStable(conns, func(a, b int) bool {
		return conns[a].CreatedAt.Before(conns[b].CreatedAt)
	})
	return conns, err
}

// Save stores conn, replacing older connections that linked any of the same accounts.
// Returns the requisition IDs it replaced.
func (s *Store) Save(conn model.Connection) ([]string, error) {
	if conn.RequisitionID == "" {
		return nil, errors.New("Connection requisition ID must not be empty")
	}
	existing, err := s.All()
	if err != nil {
		return nil, err
	}
	var replaced []string
	for _, old := range existing {
		if old.RequisitionID != conn.RequisitionID && old.SharesAccounts(conn) {
			replaced = append(replaced, old.RequisitionID)
		}
	}
	if err := s.bucket.Put(conn.RequisitionID, conn); err != nil {
		return nil, err
	}
	return replaced, s.bucket.Delete(replaced...)
}
