package relaystore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolStorePersistLoadClear(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pool.db")
	ps, err := NewPoolStore(dbPath, time.Hour)
	require.NoError(t, err)
	defer ps.Close()

	_, err = ps.PersistPacket([]byte("payload-1"), "10.0.0.1", 9000)
	require.NoError(t, err)
	_, err = ps.PersistPacket([]byte("payload-2"), "10.0.0.2", 9001)
	require.NoError(t, err)

	packets, err := ps.LoadPool()
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, []byte("payload-1"), packets[0].Payload)
	assert.Equal(t, "10.0.0.1", packets[0].DestHost)
	assert.Equal(t, 9000, packets[0].DestPort)

	require.NoError(t, ps.ClearPacket(packets[0].ID))
	packets, err = ps.LoadPool()
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, []byte("payload-2"), packets[0].Payload)
}

func TestPoolStoreExpiredPacketsExcludedFromLoad(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pool.db")
	ps, err := NewPoolStore(dbPath, -time.Second) // already expired on insert
	require.NoError(t, err)
	defer ps.Close()

	_, err = ps.PersistPacket([]byte("stale"), "10.0.0.1", 9000)
	require.NoError(t, err)
	packets, err := ps.LoadPool()
	require.NoError(t, err)
	assert.Empty(t, packets)
}

func TestPoolStoreLogDropAndCount(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pool.db")
	ps, err := NewPoolStore(dbPath, time.Hour)
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, ps.LogDrop("MalformedEnvelope"))
	require.NoError(t, ps.LogDrop("CryptoFailure"))

	count, err := ps.DropCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecordStoreAppendAndAll(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "records.db")
	rs, err := NewRecordStore(dbPath)
	require.NoError(t, err)
	defer rs.Close()

	require.NoError(t, rs.Append([]byte("42;EGGED;7;08:05;A;B")))
	require.NoError(t, rs.Append([]byte("7;DAN;3;09:00;C;D")))

	count, err := rs.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	records, err := rs.All()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []byte("42;EGGED;7;08:05;A;B"), records[0])
	assert.Equal(t, []byte("7;DAN;3;09:00;C;D"), records[1])
}
