// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

// registryRecordsKey is the single key this store keeps: the whole
// registry is small (tens to low hundreds of servers) so it is read
// and written as one JSON blob rather than one leveldb key per server.
var registryRecordsKey = []byte("servers")

// RegistryStore persists a ServerRegistry's flat server list to an
// embedded leveldb database, fulfilling spec §4.2's "serializes/
// deserializes the registry to the external config store".
type RegistryStore struct {
	db *leveldb.DB
}

// OpenRegistryStore opens (creating if necessary) a leveldb database
// at path to back registry persistence.
func OpenRegistryStore(path string) (*RegistryStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("electrum: opening registry store: %w", err)
	}
	return &RegistryStore{db: db}, nil
}

// Close releases the underlying leveldb handle.
func (s *RegistryStore) Close() error {
	return s.db.Close()
}

// Save persists every server currently interned in r.
func (s *RegistryStore) Save(r *ServerRegistry) error {
	data, err := json.Marshal(r.Export())
	if err != nil {
		return fmt.Errorf("electrum: marshaling registry: %w", err)
	}
	if err := s.db.Put(registryRecordsKey, data, nil); err != nil {
		return fmt.Errorf("electrum: writing registry: %w", err)
	}
	return nil
}

// Load reads the persisted server list into r. A missing key (first
// run) is not an error; r is left unchanged.
func (s *RegistryStore) Load(r *ServerRegistry) error {
	data, err := s.db.Get(registryRecordsKey, nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("electrum: reading registry: %w", err)
	}
	var records []serverRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("electrum: unmarshaling registry: %w", err)
	}
	return r.Import(records)
}
