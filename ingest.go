package dosewatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cmodk/go-simpleflake"
)

// IngestCapture runs the ingest and diff pipeline for one uploaded capture:
// persist the raw image, ask the recognizer for a verdict, diff against the
// previous result, store the new result as current and emit the change
// notification plus the status event.
//
// When the recognizer is unreachable an unverified placeholder is stored
// instead, so a polling hub observes a fresh result and degrades to
// "unverified" rather than hanging. The returned error is non-nil in that
// case; the result is returned either way.
func (d *Dosewatch) IngestCapture(device *Device, container int, image []byte, expected Expected) (*VerificationResult, error) {

	if !d.ValidContainer(container) {
		return nil, fmt.Errorf("Container %d outside range [1,%d]", container, d.ContainerCount())
	}

	// One capture cycle at a time per container. Ingest handlers run
	// concurrently and recognition time varies; an earlier capture finishing
	// late must not overwrite a newer current result.
	lock := d.Containers.Serialize(device.Guid, container)
	lock.Lock()
	defer lock.Unlock()

	timestamp := time.Now().UTC()

	image_path, err := d.storeImage(device.Guid, container, timestamp, image)
	if err != nil {
		return nil, err
	}

	result := &VerificationResult{
		Id:         simpleflake.Next(),
		DeviceGuid: device.Guid,
		Container:  container,
		Expected:   expected,
		Image:      image_path,
		Timestamp:  timestamp,
	}

	var recognizer_err error
	if d.Recognizer == nil {
		recognizer_err = fmt.Errorf("No recognizer configured")
	} else {
		var recognition *Recognition
		recognition, recognizer_err = d.Recognizer.Recognize(image, expected)
		if recognizer_err == nil {
			result.Verified = true
			result.Pass = recognition.Pass
			result.Confidence = recognition.Confidence
			result.Detected = recognition.Detected
			result.Count = recognition.Detected.Total()
		}
	}

	if recognizer_err != nil {
		d.Logger.WithField("container", container).WithField("error", recognizer_err).
			Error("Recognizer unavailable, storing unverified result")
	}

	previous, err := d.Containers.Current(device.Guid, container)
	if err != nil {
		return nil, err
	}

	if err := d.Containers.StoreResult(result); err != nil {
		return nil, err
	}

	event := VerificationStored{VerificationResult: *result}

	if result.Verified {
		diff := ComputeDiff(previous, result)
		if !diff.Trivial() {
			event.Changes = &diff

			diff_data, err := json.Marshal(diff)
			if err != nil {
				return nil, err
			}

			cmd := ContainerNotificationCreate{
				Id:         simpleflake.Next(),
				DeviceGuid: device.Guid,
				Container:  container,
				Message:    diff.Message(),
				Diff:       json.RawMessage(diff_data),
				Timestamp:  timestamp,
			}

			if err := d.Command.Create(cmd); err != nil {
				d.Logger.WithField("error", err).Error("Error queueing notification command")
			}
		}
	}

	if d.NsqProducer != nil {
		if err := d.Event.Publish(event); err != nil {
			d.Logger.WithField("error", err).Error("Error publishing verification event")
		}
	}

	return result, recognizer_err
}

func (d *Dosewatch) storeImage(device_guid string, container int, timestamp time.Time, image []byte) (string, error) {
	image_root := "images"
	if d.Config.Ingest != nil && d.Config.Ingest.ImagePath != "" {
		image_root = d.Config.Ingest.ImagePath
	}

	dir := filepath.Join(image_root, device_guid, fmt.Sprintf("%d", container))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("%d.jpg", timestamp.UnixMilli()))
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return "", err
	}

	return path, nil
}
