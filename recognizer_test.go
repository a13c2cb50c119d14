package dosewatch

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecognizerRecognize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/recognize", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		file, _, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()

		image, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, []byte("jpegdata"), image)

		var meta struct {
			Expected Expected `json:"expected"`
		}
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("meta")), &meta))
		assert.Equal(t, 2, meta.Expected.Count)
		assert.Equal(t, "aspirin", meta.Expected.Label)

		json.NewEncoder(w).Encode(Recognition{
			Pass:       true,
			Confidence: 0.93,
			Detected:   LabelCounts{"aspirin": 2},
		})
	}))
	defer server.Close()

	logger := logrus.New()
	logger.Level = logrus.PanicLevel

	r := NewRecognizer(server.URL, logger)

	recognition, err := r.Recognize([]byte("jpegdata"), Expected{Count: 2, Label: "aspirin"})
	require.NoError(t, err)

	assert.True(t, recognition.Pass)
	assert.InDelta(t, 0.93, recognition.Confidence, 0.001)
	assert.Equal(t, 2, recognition.Detected.Total())
}

func TestRecognizerErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	logger := logrus.New()
	logger.Level = logrus.PanicLevel

	r := NewRecognizer(server.URL, logger)

	_, err := r.Recognize([]byte("jpegdata"), Expected{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestRecognizerUnreachable(t *testing.T) {
	logger := logrus.New()
	logger.Level = logrus.PanicLevel

	r := NewRecognizer("http://127.0.0.1:1", logger)

	_, err := r.Recognize([]byte("jpegdata"), Expected{})
	assert.Error(t, err)
}
