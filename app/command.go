package app

import (
	"github.com/sirupsen/logrus"
)

const (
	CommandBusChannelSize = 1000
)

type CommandHandler func(cmd interface{}) error

// CommandBus is the in-process dispatch queue. Handlers run on the Listen
// goroutine, one command at a time.
type CommandBus struct {
	app      *App
	log      *logrus.Logger
	queue    chan interface{}
	handlers map[string][]CommandHandler
}

func NewCommandBus(app *App) *CommandBus {
	return &CommandBus{
		app:      app,
		log:      app.Logger,
		queue:    make(chan interface{}, CommandBusChannelSize),
		handlers: make(map[string][]CommandHandler),
	}
}

func (bus *CommandBus) Handle(command interface{}, handler CommandHandler) {
	cmd_id := getEventId(command)
	bus.log.Debugf("Registering command for id: %s\n", cmd_id)
	bus.handlers[cmd_id] = append(bus.handlers[cmd_id], handler)
}

func (bus *CommandBus) Listen() {

	bus.log.Debugf("Listening for commands\n")

	for {
		cmd := <-bus.queue
		cmd_id := getEventId(cmd)
		bus.log.Debugf("Got command: %s -> %v\n", cmd_id, cmd)

		handlers, ok := bus.handlers[cmd_id]
		if ok {
			for _, handler := range handlers {
				if err := handler(cmd); err != nil {
					bus.app.Logger.WithField("error", err).Errorf("Error handling command: %s -> %v\n", cmd_id, cmd)
				}
			}
		}

	}
}

func (bus *CommandBus) Create(cmd interface{}) error {
	bus.log.Debugf("Inserting command: %v\n", cmd)
	bus.queue <- cmd

	return nil
}
