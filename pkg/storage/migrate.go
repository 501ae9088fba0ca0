package storage

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var schemaVersionKey = []byte("schema_version")

// migration mutates the schema from version n-1 to n. Migrations run in
// order inside single transactions; a half-applied migration rolls back.
type migration struct {
	version uint64
	name    string
	apply   func(tx *bolt.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "create base buckets",
		apply: func(tx *bolt.Tx) error {
			buckets := [][]byte{
				bucketServers,
				bucketManifests,
				bucketDeployments,
				bucketServices,
				bucketProxyRoutes,
				bucketServiceRoutes,
				bucketSecrets,
				bucketAudit,
				bucketMeta,
			}
			for _, b := range buckets {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", b, err)
				}
			}
			return nil
		},
	},
	{
		version: 2,
		name:    "operator users and agent tokens",
		apply: func(tx *bolt.Tx) error {
			for _, b := range [][]byte{bucketUsers, bucketAgentTokens} {
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", b, err)
				}
			}
			return nil
		},
	},
}

// migrate applies all migrations newer than the stored schema version.
func (s *BoltStore) migrate() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}

		var current uint64
		if data := meta.Get(schemaVersionKey); len(data) == 8 {
			current = binary.BigEndian.Uint64(data)
		}

		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
			}
			current = m.version
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, current)
		return meta.Put(schemaVersionKey, buf)
	})
}
