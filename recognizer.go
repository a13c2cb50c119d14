package dosewatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Recognition is the opaque verdict of the external pill recognizer.
type Recognition struct {
	Pass       bool        `json:"pass"`
	Confidence float64     `json:"confidence"`
	Detected   LabelCounts `json:"detected"`
}

// Recognizer is the client for the external recognition service. The model
// itself is out of scope; it is consumed as a black box returning counts,
// labels and confidence.
type Recognizer struct {
	url  string
	http *http.Client
	log  *logrus.Logger
}

func NewRecognizer(url string, logger *logrus.Logger) *Recognizer {
	return &Recognizer{
		url: url,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logger,
	}
}

// Recognize uploads the capture image plus the expected configuration and
// returns the recognizer verdict.
func (r *Recognizer) Recognize(image []byte, expected Expected) (*Recognition, error) {

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	image_part, err := writer.CreateFormFile("image", "capture.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := image_part.Write(image); err != nil {
		return nil, err
	}

	meta, err := json.Marshal(struct {
		Expected Expected `json:"expected"`
	}{expected})
	if err != nil {
		return nil, err
	}
	if err := writer.WriteField("meta", string(meta)); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	request, err := http.NewRequest("POST", r.url+"/recognize", &body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := r.http.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(response.Body)
		return nil, fmt.Errorf("Recognizer returned %d: %s", response.StatusCode, string(data))
	}

	var recognition Recognition
	if err := json.NewDecoder(response.Body).Decode(&recognition); err != nil {
		return nil, err
	}

	return &recognition, nil
}
