package dosewatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContainers(t *testing.T) (*Containers, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()

	db, mock := newTestDatabase(t)

	mr := miniredis.RunT(t)
	rd := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := logrus.New()
	logger.Level = logrus.PanicLevel

	return &Containers{
		db:  db,
		rd:  rd,
		log: logger,
	}, mock, mr
}

func TestContainersCurrentFromCache(t *testing.T) {
	cs, mock, mr := newTestContainers(t)

	cached := VerificationResult{
		Id:         42,
		DeviceGuid: "hub-1",
		Container:  3,
		Verified:   true,
		Pass:       true,
		Count:      2,
		Detected:   LabelCounts{"aspirin": 2},
		Timestamp:  time.Now().UTC().Truncate(time.Second),
	}

	data, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, mr.Set("verification/hub-1/3", string(data)))

	result, err := cs.Current("hub-1", 3)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, uint64(42), result.Id)
	assert.True(t, result.Pass)

	// No database roundtrip happened.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContainersCurrentFallsBackToDatabase(t *testing.T) {
	cs, mock, mr := newTestContainers(t)

	now := time.Now().UTC().Truncate(time.Second)

	rows := sqlmock.NewRows([]string{
		"id", "device_guid", "container", "verified", "pass", "pill_count",
		"confidence", "expected", "detected", "image", "timestamp",
	}).AddRow(7, "hub-1", 2, true, false, 1, 0.9,
		[]byte(`{"count":2,"label":"aspirin"}`), []byte(`{"aspirin":1}`),
		"images/hub-1/2/123.jpg", now)

	mock.ExpectQuery("SELECT \\* FROM container_results WHERE device_guid=\\? AND container=\\?").
		WithArgs("hub-1", 2).
		WillReturnRows(rows)

	result, err := cs.Current("hub-1", 2)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, uint64(7), result.Id)
	assert.False(t, result.Pass)
	assert.Equal(t, 2, result.Expected.Count)
	assert.Equal(t, LabelCounts{"aspirin": 1}, result.Detected)

	// The miss backfilled the cache.
	assert.True(t, mr.Exists("verification/hub-1/2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContainersCurrentNoResult(t *testing.T) {
	cs, mock, _ := newTestContainers(t)

	mock.ExpectQuery("SELECT \\* FROM container_results").
		WithArgs("hub-1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	result, err := cs.Current("hub-1", 5)
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestContainersStoreResultUpsertsAndCaches(t *testing.T) {
	cs, mock, mr := newTestContainers(t)

	mock.ExpectExec("INSERT INTO container_results").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result := VerificationResult{
		DeviceGuid: "hub-1",
		Container:  4,
		Verified:   true,
		Pass:       true,
		Count:      2,
		Detected:   LabelCounts{"aspirin": 2},
	}

	require.NoError(t, cs.StoreResult(&result))

	assert.NotZero(t, result.Id)
	assert.False(t, result.Timestamp.IsZero())
	assert.True(t, mr.Exists("verification/hub-1/4"))

	cached, err := cs.rd.Get(context.Background(), "verification/hub-1/4").Bytes()
	require.NoError(t, err)

	var roundtrip VerificationResult
	require.NoError(t, json.Unmarshal(cached, &roundtrip))
	assert.Equal(t, result.Id, roundtrip.Id)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContainersCurrentIgnoresBadCacheEntry(t *testing.T) {
	cs, mock, mr := newTestContainers(t)

	require.NoError(t, mr.Set("verification/hub-1/1", "not json"))

	mock.ExpectQuery("SELECT \\* FROM container_results").
		WithArgs("hub-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	result, err := cs.Current("hub-1", 1)
	assert.NoError(t, err)
	assert.Nil(t, result)
}
