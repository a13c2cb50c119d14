package dosewatch

func containerNotificationCreate(command interface{}) error {
	cmd := command.(ContainerNotificationCreate)

	dw.Logger.WithField("container", cmd.Container).Debugf("Creating container notification: %s", cmd.Message)

	d, err := dw.Devices.Get(DeviceCriteria{
		Guid: cmd.DeviceGuid,
	})
	if err != nil {
		return err
	}

	n := Notification{
		Id:         cmd.Id,
		DeviceGuid: d.Guid,
		Container:  cmd.Container,
		Message:    cmd.Message,
		Diff:       cmd.Diff,
		Timestamp:  cmd.Timestamp,
	}

	if err := dw.Notifications.Insert(&n); err != nil {
		return err
	}

	if dw.NsqProducer == nil {
		return nil
	}

	return dw.Event.Publish(NotificationCreated(n))

}
