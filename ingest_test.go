package dosewatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosewatch/dosewatch/app"
)

func newTestDosewatch(t *testing.T, recognizer_url string) (*Dosewatch, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()

	db, mock := newTestDatabase(t)

	mr := miniredis.RunT(t)
	rd := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := logrus.New()
	logger.Level = logrus.PanicLevel

	d := &Dosewatch{
		App: &app.App{
			Config: &app.Config{
				Ingest: &app.IngestConfig{ImagePath: t.TempDir()},
			},
			Logger:   logger,
			Database: db,
			Redis:    rd,
		},
	}

	d.Containers = &Containers{db: db, rd: rd, log: logger}
	d.Devices = &Devices{db: db}
	if recognizer_url != "" {
		d.Recognizer = NewRecognizer(recognizer_url, logger)
	}

	return d, mock, mr
}

func TestIngestCaptureFullPipeline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Recognition{
			Pass:       true,
			Confidence: 0.95,
			Detected:   LabelCounts{"aspirin": 2},
		})
	}))
	defer server.Close()

	d, mock, mr := newTestDosewatch(t, server.URL)

	// Prior-result lookup misses, then the new result is upserted.
	mock.ExpectQuery("SELECT \\* FROM container_results").
		WithArgs("hub-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO container_results").
		WillReturnResult(sqlmock.NewResult(0, 1))

	device := &Device{Id: 1, Guid: "hub-1"}

	result, err := d.IngestCapture(device, 2, []byte("jpegdata"), Expected{Count: 2, Label: "aspirin"})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Verified)
	assert.True(t, result.Pass)
	assert.Equal(t, 2, result.Count)
	assert.Equal(t, "hub-1", result.DeviceGuid)

	// The raw image landed in the image store.
	data, err := os.ReadFile(result.Image)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegdata"), data)
	assert.Contains(t, result.Image, filepath.Join("hub-1", "2"))

	// And the cache holds the fresh result.
	assert.True(t, mr.Exists("verification/hub-1/2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestCaptureRecognizerDownStoresPlaceholder(t *testing.T) {
	d, mock, mr := newTestDosewatch(t, "")

	mock.ExpectQuery("SELECT \\* FROM container_results").
		WithArgs("hub-1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO container_results").
		WillReturnResult(sqlmock.NewResult(0, 1))

	device := &Device{Id: 1, Guid: "hub-1"}

	result, err := d.IngestCapture(device, 3, []byte("jpegdata"), Expected{Count: 1})

	// The placeholder is stored and returned alongside the error.
	assert.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Verified)
	assert.True(t, mr.Exists("verification/hub-1/3"))
}

func TestIngestCaptureRejectsBadContainer(t *testing.T) {
	d, _, _ := newTestDosewatch(t, "")

	device := &Device{Id: 1, Guid: "hub-1"}

	_, err := d.IngestCapture(device, 0, []byte("jpegdata"), Expected{})
	assert.Error(t, err)

	_, err = d.IngestCapture(device, 8, []byte("jpegdata"), Expected{})
	assert.Error(t, err)
}

func TestIngestCaptureSerializesPerContainer(t *testing.T) {
	var calls int32
	started := make(chan struct{}, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			started <- struct{}{}
			time.Sleep(100 * time.Millisecond)
		}
		json.NewEncoder(w).Encode(Recognition{
			Pass:       true,
			Confidence: 0.9,
			Detected:   LabelCounts{"aspirin": 2},
		})
	}))
	defer server.Close()

	d, mock, mr := newTestDosewatch(t, server.URL)

	mock.ExpectQuery("SELECT \\* FROM container_results").
		WithArgs("hub-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO container_results").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO container_results").
		WillReturnResult(sqlmock.NewResult(0, 1))

	device := &Device{Id: 1, Guid: "hub-1"}
	expected := Expected{Count: 2, Label: "aspirin"}

	var wg sync.WaitGroup
	var slow, fast *VerificationResult

	wg.Add(1)
	go func() {
		defer wg.Done()
		slow, _ = d.IngestCapture(device, 2, []byte("first"), expected)
	}()

	// The second capture arrives while the first is still in recognition.
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		fast, _ = d.IngestCapture(device, 2, []byte("second"), expected)
	}()

	wg.Wait()

	require.NotNil(t, slow)
	require.NotNil(t, fast)
	assert.True(t, fast.Timestamp.After(slow.Timestamp))

	// The slow first capture must not have overwritten the newer result.
	data, err := mr.Get(resultCacheKey("hub-1", 2))
	require.NoError(t, err)

	var current VerificationResult
	require.NoError(t, json.Unmarshal([]byte(data), &current))
	assert.Equal(t, fast.Id, current.Id)
	assert.Equal(t, fast.Timestamp.UnixMilli(), current.Timestamp.UnixMilli())
}

func TestIngestCaptureQueuesNotificationOnChange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Recognition{
			Pass:       false,
			Confidence: 0.9,
			Detected:   LabelCounts{"aspirin": 1},
		})
	}))
	defer server.Close()

	d, mock, mr := newTestDosewatch(t, server.URL)

	d.Command = app.NewCommandBus(d.App)
	commands := make(chan interface{}, 1)
	d.Command.Handle(ContainerNotificationCreate{}, func(cmd interface{}) error {
		commands <- cmd
		return nil
	})
	go d.Command.Listen()

	previous := VerificationResult{
		Id:         1,
		DeviceGuid: "hub-1",
		Container:  2,
		Verified:   true,
		Pass:       true,
		Count:      2,
		Detected:   LabelCounts{"aspirin": 2},
		Timestamp:  time.Now().Add(-time.Minute).UTC(),
	}
	cached, err := json.Marshal(previous)
	require.NoError(t, err)
	require.NoError(t, mr.Set(resultCacheKey("hub-1", 2), string(cached)))

	mock.ExpectExec("INSERT INTO container_results").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := d.IngestCapture(&Device{Id: 1, Guid: "hub-1"}, 2, []byte("jpegdata"), Expected{Count: 2, Label: "aspirin"})
	require.NoError(t, err)
	assert.True(t, result.Verified)

	select {
	case cmd := <-commands:
		create := cmd.(ContainerNotificationCreate)
		assert.Equal(t, "hub-1", create.DeviceGuid)
		assert.Equal(t, 2, create.Container)
		assert.Equal(t, "1 pill(s) removed", create.Message)
		assert.NotEmpty(t, create.Diff)
	case <-time.After(time.Second):
		t.Fatal("No notification command queued")
	}
}
