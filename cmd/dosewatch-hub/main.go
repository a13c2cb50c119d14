package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dosewatch/dosewatch"
	dosewatch_app "github.com/dosewatch/dosewatch/app"
	"github.com/dosewatch/dosewatch/client"
	"github.com/dosewatch/dosewatch/hub"
)

var (
	app = dosewatch_app.New()
	lg  = app.Logger

	debug = flag.Bool("debug", false, "Enable debug output")
)

func main() {
	flag.Parse()

	if *debug {
		lg.Level = logrus.DebugLevel
	}

	cfg := app.Config.Hub
	if cfg == nil {
		panic(fmt.Errorf("Missing hub configuration"))
	}

	if app.Config.Mqtt == nil {
		panic(fmt.Errorf("Missing mqtt configuration"))
	}

	prefix := app.Config.Mqtt.Prefix
	if len(prefix) == 0 {
		prefix = "dosewatch"
	}

	expected := map[int]dosewatch.Expected{}
	for _, e := range cfg.Expected {
		expected[e.Container] = dosewatch.Expected{
			Count: e.Count,
			Label: e.Label,
		}
	}

	containers := cfg.Containers
	if containers <= 0 {
		containers = dosewatch.DefaultContainerCount
	}

	dedup_window := hub.DefaultDedupWindow
	if cfg.DedupWindow > 0 {
		dedup_window = time.Duration(cfg.DedupWindow) * time.Second
	}

	settle_delay := hub.DefaultSettleDelay
	if cfg.SettleDelay > 0 {
		settle_delay = time.Duration(cfg.SettleDelay) * time.Millisecond
	}

	poll_budget := hub.DefaultPollBudget
	if cfg.PollBudget > 0 {
		poll_budget = time.Duration(cfg.PollBudget) * time.Second
	}

	transport, err := hub.OpenSerialTransport(cfg.SerialPort, lg)
	if err != nil {
		panic(err)
	}
	defer transport.Close()

	mq, err := hub.ConnectMqtt(app.Config.Mqtt.Broker, "dosewatch-hub-"+cfg.DeviceGuid, lg)
	if err != nil {
		panic(err)
	}
	defer mq.Disconnect()

	backend := client.New(cfg.ApiHost, lg)

	queue := hub.NewAlarmQueue(containers, dedup_window, lg)
	arbiter := hub.NewArbiter(settle_delay, lg)

	command_topic := fmt.Sprintf("%s/%s/cmd", prefix, cfg.DeviceGuid)
	coordinator := hub.NewCoordinator(mq, backend, command_topic, lg)
	if cfg.PollInterval > 0 {
		coordinator.SetPollInterval(time.Duration(cfg.PollInterval) * time.Second)
	}

	h := hub.NewHub(transport, queue, arbiter, coordinator, expected, poll_budget, lg)

	// Display hook. The screen process reads these; the hub itself only
	// logs the transitions.
	arbiter.OnChange(func(p hub.Presentation) {
		lg.WithField("presentation", p.Kind.String()).
			WithField("container", p.Container).
			Info("Presentation change")
	})

	transport.OnLine(h.HandleLine)

	if err := mq.Subscribe(command_topic, 1, func(topic string, payload []byte) {
		h.HandleCommand(payload)
	}); err != nil {
		panic(err)
	}

	status_topic := fmt.Sprintf("%s/%s/status", prefix, cfg.DeviceGuid)
	if err := mq.Subscribe(status_topic, 1, func(topic string, payload []byte) {
		h.HandleStatus(payload)
	}); err != nil {
		panic(err)
	}

	dismiss_topic := fmt.Sprintf("%s/%s/dismiss", prefix, cfg.DeviceGuid)
	if err := mq.Subscribe(dismiss_topic, 1, func(topic string, payload []byte) {
		h.Dismiss()
	}); err != nil {
		panic(err)
	}

	online_topic := fmt.Sprintf("%s/%s/online", prefix, cfg.DeviceGuid)
	if err := mq.Publish(online_topic, 1, true, []byte("1")); err != nil {
		lg.WithField("error", err).Warning("Error announcing presence")
	}

	lg.WithField("device", cfg.DeviceGuid).
		WithField("port", cfg.SerialPort).
		Info("Hub running")

	transport.Listen()
}
