package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/sirupsen/logrus"

	"github.com/dosewatch/dosewatch"
	dosewatch_app "github.com/dosewatch/dosewatch/app"
)

var (
	app   = dosewatch.New()
	lg    = app.Logger
	debug = flag.Bool("debug", false, "Enable debug output")

	max_upload_size = flag.Int64("max-upload-size", 8<<20, "Maximum capture upload size in bytes")
)

type deviceContextHandler func(http.ResponseWriter, *http.Request, *dosewatch.Device)
type containerContextHandler func(http.ResponseWriter, *http.Request, *dosewatch.Device, int)

func main() {
	flag.Parse()
	if *debug {
		app.Logger.Level = logrus.DebugLevel
	}

	if err := app.App.CheckAndUpdateDatabase(dosewatch.DatabaseStructure); err != nil {
		panic(err)
	}

	app.Use(dosewatch_app.Cors())

	app.Get("/info", infoHandler)

	app.Get("/device", deviceListHandler)
	app.Get("/device/{device}", deviceGetHandler)

	app.Post("/ingest/{device}/{container}", withParametricDevice(ingestHandler))

	app.Get("/containers/{container}/verification", withParametricContainer(containerVerificationHandler))
	app.Get("/containers/{container}/history", withParametricContainer(containerHistoryHandler))
	app.Post("/containers/{container}/alarm-test", withParametricContainer(containerAlarmTestHandler))
	app.Get("/containers/{container}/notifications", withParametricContainer(containerNotificationListHandler))
	app.Delete("/containers/{container}/notifications", withParametricContainer(containerNotificationDeleteHandler))

	app.Post("/trigger-capture/{container}", withParametricContainer(triggerCaptureHandler))

	app.Get("/notifications", notificationListHandler)
	app.Delete("/notifications", notificationDeleteAllHandler)
	app.Delete("/notifications/{notification}", notificationDeleteHandler)

	app.HandleEvent(dosewatch.DeviceOnline{}, deviceOnline)
	app.HandleEvent(dosewatch.DeviceOffline{}, deviceOffline)

	hostname, err := os.Hostname()
	if err != nil {
		panic(err)
	}

	app.Event.SetListenName(filepath.Base(os.Args[0]) + "-" + hostname)

	go app.ListenEvents()

	app.Run()
}

func deviceOnline(event interface{}) error {
	e := event.(dosewatch.DeviceOnline)

	lg.WithField("device", e.DeviceGuid).Info("Device online")

	return nil
}

func deviceOffline(event interface{}) error {
	e := event.(dosewatch.DeviceOffline)

	lg.WithField("device", e.DeviceGuid).Info("Device offline")

	return nil
}

func infoHandler(w http.ResponseWriter, r *http.Request) {

	info := struct {
		Version    string `json:"version"`
		Containers int    `json:"containers"`
	}{
		Version:    dosewatch.Version,
		Containers: app.ContainerCount(),
	}

	if err := json.NewEncoder(w).Encode(info); err != nil {
		app.HttpInternalError(w, err)
		return
	}

}

func deviceListHandler(w http.ResponseWriter, r *http.Request) {
	c := dosewatch.DeviceCriteria{}
	if err := schema.NewDecoder().Decode(&c, r.URL.Query()); err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	ds, err := app.Devices.List(c)
	if err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	app.JsonResponse(w, ds)
}

func deviceGetHandler(w http.ResponseWriter, r *http.Request) {

	device_guid := mux.Vars(r)["device"]

	d, err := app.Devices.Get(dosewatch.DeviceCriteria{
		Guid: device_guid,
	})
	if err != nil {
		app.HttpNotFound(w, fmt.Errorf("Device not found"))
		return
	}

	app.JsonResponse(w, d)
}

// ingestHandler accepts a multipart capture upload from the hub: an "image"
// file part and a "meta" JSON part carrying the expected contents.
func ingestHandler(w http.ResponseWriter, r *http.Request, d *dosewatch.Device) {

	if err := authorizeDevice(r, d); err != nil {
		app.HttpUnauthorized(w, err)
		return
	}

	container, err := dosewatch.GetIntParameter(r, "container")
	if err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	if !app.ValidContainer(container) {
		app.HttpBadRequest(w, fmt.Errorf("Container %d outside range [1,%d]", container, app.ContainerCount()))
		return
	}

	if err := r.ParseMultipartForm(*max_upload_size); err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		app.HttpBadRequest(w, fmt.Errorf("Missing image part"))
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	var expected dosewatch.Expected
	if meta := r.FormValue("meta"); len(meta) > 0 {
		if err := json.Unmarshal([]byte(meta), &expected); err != nil {
			app.HttpBadRequest(w, err)
			return
		}
	}

	result, recognizer_err := app.IngestCapture(d, container, image, expected)
	if result == nil {
		app.HttpInternalError(w, recognizer_err)
		return
	}

	if recognizer_err != nil {
		// The unverified placeholder is stored, so the hub still sees a
		// fresh result; only the uploader gets the failure.
		lg.WithField("container", container).WithField("error", recognizer_err).
			Warning("Capture stored without verification")
		app.HttpBadGateway(w, recognizer_err)
		return
	}

	app.JsonResponse(w, result)
}

func containerVerificationHandler(w http.ResponseWriter, r *http.Request, d *dosewatch.Device, container int) {

	result, err := app.Containers.Current(d.Guid, container)
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}

	if result == nil {
		app.HttpNotFound(w, fmt.Errorf("No verification result for container %d", container))
		return
	}

	app.JsonResponse(w, result)
}

func containerHistoryHandler(w http.ResponseWriter, r *http.Request, d *dosewatch.Device, container int) {

	limit := 100
	if limit_string := r.URL.Query().Get("limit"); len(limit_string) > 0 {
		l, err := strconv.Atoi(limit_string)
		if err != nil {
			app.HttpBadRequest(w, err)
			return
		}
		limit = l
	}

	results, err := app.Containers.History(d.Guid, container, limit)
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, results)
}

// triggerCaptureHandler records a capture command and hands it to the mqtt
// bridge via the event bus. A second trigger while the first is still
// unresolved is rejected with 409.
func triggerCaptureHandler(w http.ResponseWriter, r *http.Request, d *dosewatch.Device, container int) {

	var body struct {
		Expected dosewatch.Expected `json:"expected"`
	}

	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			app.HttpBadRequest(w, err)
			return
		}
	}

	last, err := d.LastCommand(container, "capture")
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}

	if last != nil {
		current, err := app.Containers.Current(d.Guid, container)
		if err != nil {
			app.HttpInternalError(w, err)
			return
		}

		if current == nil || !current.Timestamp.After(last.Created) {
			app.HttpConflict(w, fmt.Errorf("Capture already in flight for container %d", container))
			return
		}
	}

	parameters, err := json.Marshal(body.Expected)
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}

	command := dosewatch.DeviceCommand{
		Command:    "capture",
		Container:  container,
		Parameters: parameters,
	}

	if err := d.CommandInsert(&command); err != nil {
		app.HttpInternalError(w, err)
		return
	}

	if err := app.Event.Publish(dosewatch.CaptureRequested{
		CommandId:  command.Id,
		DeviceGuid: d.Guid,
		Container:  container,
		Expected:   body.Expected,
	}); err != nil {
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, command)
}

func containerAlarmTestHandler(w http.ResponseWriter, r *http.Request, d *dosewatch.Device, container int) {

	command := dosewatch.DeviceCommand{
		Command:   "alarmtest",
		Container: container,
	}

	if err := d.CommandInsert(&command); err != nil {
		app.HttpInternalError(w, err)
		return
	}

	if err := app.Event.Publish(dosewatch.AlarmTestRequested{
		CommandId:  command.Id,
		DeviceGuid: d.Guid,
		Container:  container,
	}); err != nil {
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, command)
}

func containerNotificationListHandler(w http.ResponseWriter, r *http.Request, d *dosewatch.Device, container int) {

	c := dosewatch.NotificationCriteria{
		DeviceGuid: d.Guid,
		Container:  container,
	}

	if err := schema.NewDecoder().Decode(&c, r.URL.Query()); err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	c.DeviceGuid = d.Guid
	c.Container = container

	ns, err := app.Notifications.List(c)
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, ns)
}

func containerNotificationDeleteHandler(w http.ResponseWriter, r *http.Request, d *dosewatch.Device, container int) {

	if err := app.Notifications.DeleteAll(dosewatch.NotificationCriteria{
		DeviceGuid: d.Guid,
		Container:  container,
	}); err != nil {
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, map[string]string{"status": "ok"})
}

func notificationListHandler(w http.ResponseWriter, r *http.Request) {

	c := dosewatch.NotificationCriteria{}

	if err := schema.NewDecoder().Decode(&c, r.URL.Query()); err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	ns, err := app.Notifications.List(c)
	if err != nil {
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, ns)
}

func notificationDeleteAllHandler(w http.ResponseWriter, r *http.Request) {

	if err := app.Notifications.DeleteAll(dosewatch.NotificationCriteria{}); err != nil {
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, map[string]string{"status": "ok"})
}

func notificationDeleteHandler(w http.ResponseWriter, r *http.Request) {

	id, err := dosewatch.GetUintParameter(r, "notification")
	if err != nil {
		app.HttpBadRequest(w, err)
		return
	}

	if err := app.Notifications.Delete(id); err != nil {
		app.HttpInternalError(w, err)
		return
	}

	app.JsonResponse(w, map[string]string{"status": "ok"})
}

func authorizeDevice(r *http.Request, d *dosewatch.Device) error {
	auth_headers := r.Header["Authorization"]
	if len(auth_headers) == 0 {
		return fmt.Errorf("Missing authentication")
	}

	bearer := strings.TrimPrefix(auth_headers[0], "Bearer ")

	if d.Token == nil || bearer != *d.Token {
		return fmt.Errorf("Invalid token for device")
	}

	return nil
}

func withParametricDevice(h deviceContextHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		device_guid := mux.Vars(r)["device"]
		if len(device_guid) == 0 {
			app.HttpBadRequest(w, fmt.Errorf("Missing device id"))
			return
		}

		d, err := app.Devices.Get(dosewatch.DeviceCriteria{
			Guid: device_guid,
		})
		if err != nil {
			app.HttpNotFound(w, fmt.Errorf("Device not found"))
			return
		}

		h(w, r, d)

	}
}

// withParametricContainer resolves the container id and the device serving
// the container routes. Single-appliance deployments address containers
// directly and the device comes from the Hub config.
func withParametricContainer(h containerContextHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		container, err := dosewatch.GetIntParameter(r, "container")
		if err != nil {
			app.HttpBadRequest(w, err)
			return
		}

		if !app.ValidContainer(container) {
			app.HttpBadRequest(w, fmt.Errorf("Container %d outside range [1,%d]", container, app.ContainerCount()))
			return
		}

		d, err := defaultDevice(r)
		if err != nil {
			app.HttpNotFound(w, err)
			return
		}

		h(w, r, d, container)

	}
}

func defaultDevice(r *http.Request) (*dosewatch.Device, error) {

	device_guid := r.URL.Query().Get("device")
	if len(device_guid) == 0 && app.Config.Hub != nil {
		device_guid = app.Config.Hub.DeviceGuid
	}

	if len(device_guid) > 0 {
		return app.Devices.Get(dosewatch.DeviceCriteria{Guid: device_guid})
	}

	ds, err := app.Devices.List(dosewatch.DeviceCriteria{Limit: 2})
	if err != nil {
		return nil, err
	}

	if len(ds) != 1 {
		return nil, fmt.Errorf("No default device, pass ?device=")
	}

	return &ds[0], nil
}
