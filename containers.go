package dosewatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cmodk/go-simpleflake"
	"github.com/go-redis/redis/v8"
	"github.com/gocql/gocql"
	"github.com/sirupsen/logrus"

	"github.com/dosewatch/dosewatch/app"
)

// Containers owns the per-container verification state: the last-write-wins
// current result in mariadb, a write-through cache in redis and the full
// capture history in cassandra. Cache and history failures are soft; the
// mariadb row is the source of truth.
type Containers struct {
	db  *app.Database
	ca  *gocql.Session
	rd  *redis.Client
	log *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewContainers(d *Dosewatch) *Containers {
	return &Containers{
		db:  d.Database,
		ca:  d.Cassandra,
		rd:  d.Redis,
		log: d.Logger,
	}
}

func resultCacheKey(device_guid string, container int) string {
	return fmt.Sprintf("verification/%s/%d", device_guid, container)
}

// Serialize returns the mutex guarding one container's read-diff-store cycle.
// Ingest handlers run on concurrent goroutines; without this a slow earlier
// capture can land after a later one and overwrite the current result.
func (cs *Containers) Serialize(device_guid string, container int) *sync.Mutex {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.locks == nil {
		cs.locks = make(map[string]*sync.Mutex)
	}

	key := resultCacheKey(device_guid, container)
	lock, ok := cs.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		cs.locks[key] = lock
	}

	return lock
}

// Current returns the latest verification result for the container, or nil
// when no capture has ever been verified.
func (cs *Containers) Current(device_guid string, container int) (*VerificationResult, error) {

	if cs.rd != nil {
		data, err := cs.rd.Get(context.Background(), resultCacheKey(device_guid, container)).Bytes()
		if err == nil {
			var cached VerificationResult
			if err := json.Unmarshal(data, &cached); err == nil {
				return &cached, nil
			}
			cs.log.WithField("container", container).Warn("Discarding bad cached verification result")
		} else if err != redis.Nil {
			cs.log.WithField("error", err).Warn("Redis lookup failed, falling back to database")
		}
	}

	var result VerificationResult
	err := cs.db.Get(&result,
		"SELECT * FROM container_results WHERE device_guid=? AND container=?",
		device_guid, container)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cs.cache(&result)

	return &result, nil
}

// StoreResult persists a new verification result: mariadb row keyed by
// (device,container), redis cache entry and a cassandra history insert.
func (cs *Containers) StoreResult(r *VerificationResult) error {
	if r.Id == 0 {
		r.Id = simpleflake.Next()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	expected, err := json.Marshal(r.Expected)
	if err != nil {
		return err
	}
	detected, err := json.Marshal(r.Detected)
	if err != nil {
		return err
	}

	_, err = cs.db.Exec(
		`INSERT INTO container_results
			(id, device_guid, container, verified, pass, pill_count, confidence, expected, detected, image, timestamp)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE
			id=VALUES(id), verified=VALUES(verified), pass=VALUES(pass),
			pill_count=VALUES(pill_count), confidence=VALUES(confidence),
			expected=VALUES(expected), detected=VALUES(detected),
			image=VALUES(image), timestamp=VALUES(timestamp)`,
		r.Id, r.DeviceGuid, r.Container, r.Verified, r.Pass, r.Count,
		r.Confidence, expected, detected, r.Image, r.Timestamp)
	if err != nil {
		return err
	}

	cs.cache(r)

	if cs.ca != nil {
		query := cs.ca.Query(
			"INSERT INTO captures (id, device, container, verified, pass, pill_count, confidence, detected, image, timestamp) VALUES (?,?,?,?,?,?,?,?,?,?)",
			r.Id, r.DeviceGuid, r.Container, r.Verified, r.Pass, r.Count,
			r.Confidence, string(detected), r.Image, r.Timestamp)
		if err := query.Exec(); err != nil {
			cs.log.WithField("error", err).Warn("Error writing capture history")
		}
	}

	return nil
}

func (cs *Containers) cache(r *VerificationResult) {
	if cs.rd == nil {
		return
	}

	data, err := json.Marshal(r)
	if err != nil {
		return
	}

	if err := cs.rd.Set(context.Background(), resultCacheKey(r.DeviceGuid, r.Container), data, 0).Err(); err != nil {
		cs.log.WithField("error", err).Warn("Error caching verification result")
	}
}

// History lists past captures for a container, newest first.
func (cs *Containers) History(device_guid string, container int, limit int) ([]VerificationResult, error) {
	if cs.ca == nil {
		return nil, fmt.Errorf("Capture history requires cassandra")
	}

	if limit <= 0 {
		limit = 100
	}

	var results []VerificationResult

	query := cs.ca.Query(
		"SELECT id, verified, pass, pill_count, confidence, detected, image, timestamp FROM captures WHERE device = ? AND container = ? LIMIT ?",
		device_guid, container, limit)

	iter := query.Iter()
	for {
		row := make(map[string]interface{})
		if !iter.MapScan(row) {
			break
		}

		result := VerificationResult{
			Id:         uint64(row["id"].(int64)),
			DeviceGuid: device_guid,
			Container:  container,
			Verified:   row["verified"].(bool),
			Pass:       row["pass"].(bool),
			Count:      row["pill_count"].(int),
			Confidence: row["confidence"].(float64),
			Image:      row["image"].(string),
			Timestamp:  row["timestamp"].(time.Time),
		}

		if detected, ok := row["detected"].(string); ok && detected != "" {
			if err := json.Unmarshal([]byte(detected), &result.Detected); err != nil {
				cs.log.WithField("error", err).Warn("Bad detected payload in capture history")
			}
		}

		results = append(results, result)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	return results, nil
}
