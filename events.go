package dosewatch

// Events published on the NSQ bus. The mqtt bridge republishes
// VerificationStored on the device status topic and turns CaptureRequested
// into a capture command on the device command topic.

type VerificationStored struct {
	VerificationResult
	Changes *Diff `json:"changes,omitempty"`
}

type NotificationCreated Notification

type CaptureRequested struct {
	CommandId  uint64   `json:"command_id"`
	DeviceGuid string   `json:"device_guid"`
	Container  int      `json:"container"`
	Expected   Expected `json:"expected"`
}

type AlarmTestRequested struct {
	CommandId  uint64 `json:"command_id"`
	DeviceGuid string `json:"device_guid"`
	Container  int    `json:"container"`
}

type DeviceOnline struct {
	DeviceGuid string `json:"device_guid"`
}

type DeviceOffline struct {
	DeviceGuid string `json:"device_guid"`
}
