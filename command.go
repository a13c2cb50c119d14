package dosewatch

import (
	"encoding/json"
	"time"
)

type ContainerNotificationCreate struct {
	Id         uint64
	DeviceGuid string
	Container  int
	Message    string
	Diff       json.RawMessage
	Timestamp  time.Time
}
