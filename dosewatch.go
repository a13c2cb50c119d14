package dosewatch

import (
	"github.com/dosewatch/dosewatch/app"
)

const Version = "1.2.0"

var (
	dw *Dosewatch
)

type Dosewatch struct {
	*app.App
	Devices       *Devices
	Containers    *Containers
	Notifications *Notifications
	Recognizer    *Recognizer
}

func New() *Dosewatch {
	dw = &Dosewatch{
		App: app.New(),
	}

	dw.Devices = NewDevices(dw)
	dw.Containers = NewContainers(dw)
	dw.Notifications = NewNotifications(dw)

	if dw.Config.Recognizer != nil {
		dw.Recognizer = NewRecognizer(dw.Config.Recognizer.Url, dw.Logger)
	}

	dw.HandleCommand(ContainerNotificationCreate{}, containerNotificationCreate)

	return dw
}

// ContainerCount is the number of physical compartments on the dispenser,
// numbered 1..N.
func (d *Dosewatch) ContainerCount() int {
	if d.Config.Hub != nil && d.Config.Hub.Containers > 0 {
		return d.Config.Hub.Containers
	}
	return DefaultContainerCount
}

// ValidContainer reports whether a container id is inside [1,N].
func (d *Dosewatch) ValidContainer(container int) bool {
	return container >= 1 && container <= d.ContainerCount()
}
