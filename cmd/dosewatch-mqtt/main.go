package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cmodk/go-mqtt"

	"github.com/dosewatch/dosewatch"
)

var (
	app = dosewatch.New()
	lg  = app.Logger

	mq *mqtt.Server

	debug = flag.Bool("debug", false, "Enable debug information")
)

func main() {
	flag.Parse()

	if *debug {
		app.Logger.Level = logrus.DebugLevel
	} else {
		app.Logger.Level = logrus.WarnLevel
	}

	mq = mqtt.NewServer(nil)

	prefix := topicPrefix()

	if err := mq.Subscribe(prefix+"/+/online", 2, OnlineHandler); err != nil {
		panic(err)
	}

	app.HandleEvent(dosewatch.CaptureRequested{}, captureRequested)
	app.HandleEvent(dosewatch.AlarmTestRequested{}, alarmTestRequested)
	app.HandleEvent(dosewatch.VerificationStored{}, verificationStored)

	go mq.Run()

	//Need seperate application names for nsq
	application_name := filepath.Base(os.Args[0])
	hostname, err := os.Hostname()
	if err != nil {
		panic(err)
	}

	app.Event.SetListenName(application_name + "-" + hostname)

	go app.ListenEvents()

	app.Run()
}

func topicPrefix() string {
	if app.Config.Mqtt != nil && len(app.Config.Mqtt.Prefix) > 0 {
		return app.Config.Mqtt.Prefix
	}

	return "dosewatch"
}

// OnlineHandler tracks hub presence. The hub publishes "1" on connect and a
// "0" last-will on disconnect.
func OnlineHandler(s *mqtt.Server, msg mqtt.Message) error {

	topic := strings.Split(msg.Topic, "/")
	device_guid := topic[1]

	d, err := app.Devices.Get(dosewatch.DeviceCriteria{
		Guid: device_guid,
	})
	if err != nil {
		lg.WithField("device", device_guid).WithField("error", err).Error("Error looking up device")
		return err
	}

	online := string(msg.Payload) == "1"

	lg.WithField("device", d.Guid).WithField("online", online).Info("Device presence change")

	if err := d.UpdateOnlineStatus(online); err != nil {
		return err
	}

	if online {
		return app.Event.Publish(dosewatch.DeviceOnline{DeviceGuid: d.Guid})
	}

	return app.Event.Publish(dosewatch.DeviceOffline{DeviceGuid: d.Guid})
}

// captureRequested republishes a persisted capture command on the device
// command topic and marks it sent.
func captureRequested(event interface{}) error {
	e := event.(dosewatch.CaptureRequested)

	payload, err := json.Marshal(map[string]interface{}{
		"action":    "capture",
		"container": e.Container,
		"expected":  e.Expected,
	})
	if err != nil {
		return err
	}

	if err := publishCommand(e.DeviceGuid, payload); err != nil {
		return err
	}

	return markCommandSent(e.DeviceGuid, e.CommandId)
}

func alarmTestRequested(event interface{}) error {
	e := event.(dosewatch.AlarmTestRequested)

	payload, err := json.Marshal(map[string]interface{}{
		"action":    "alarmtest",
		"container": e.Container,
	})
	if err != nil {
		return err
	}

	if err := publishCommand(e.DeviceGuid, payload); err != nil {
		return err
	}

	return markCommandSent(e.DeviceGuid, e.CommandId)
}

// verificationStored pushes the fresh verdict to the hub status topic so the
// hub can react without waiting for its next poll.
func verificationStored(event interface{}) error {
	e := event.(dosewatch.VerificationStored)

	status := struct {
		State     string          `json:"state"`
		Container int             `json:"container"`
		Pass      bool            `json:"pass"`
		Changes   *dosewatch.Diff `json:"changes,omitempty"`
	}{
		State:     "unverified",
		Container: e.Container,
		Pass:      e.Pass,
		Changes:   e.Changes,
	}

	if e.Verified {
		status.State = "verified"
	}

	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/%s/status", topicPrefix(), e.DeviceGuid)

	lg.WithField("topic", topic).WithField("state", status.State).Debug("Publishing status")

	return mq.Publish(topic, 1, false, payload)
}

func publishCommand(device_guid string, payload []byte) error {

	topic := fmt.Sprintf("%s/%s/cmd", topicPrefix(), device_guid)

	lg.WithField("topic", topic).Debug("Publishing command")

	return mq.Publish(topic, 2, false, payload)
}

func markCommandSent(device_guid string, command_id uint64) error {

	d, err := app.Devices.Get(dosewatch.DeviceCriteria{
		Guid: device_guid,
	})
	if err != nil {
		return err
	}

	command, err := d.CommandGet(dosewatch.DeviceCommandCriteria{
		Id: command_id,
	})
	if err != nil {
		return err
	}

	return d.CommandSent(command)
}
