package hub

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MqttClient wraps the paho client for the hub side of the command channel.
// It satisfies Publisher for the coordinator.
type MqttClient struct {
	client mqtt.Client
	log    *logrus.Logger
}

func ConnectMqtt(broker string, client_id string, logger *logrus.Logger) (*MqttClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(client_id)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", broker, token.Error())
	}

	logger.WithField("broker", broker).Info("Connected to command channel")

	return &MqttClient{
		client: client,
		log:    logger,
	}, nil
}

func (c *MqttClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}

	return nil
}

func (c *MqttClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, qos, func(client mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}

	return nil
}

func (c *MqttClient) Disconnect() {
	c.client.Disconnect(250)
}
