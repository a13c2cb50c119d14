package client

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cmodk/go-simplehttp"
	"github.com/dosewatch/dosewatch"
)

type Client struct {
	*simplehttp.SimpleHttp
}

func New(host string, logger *logrus.Logger) *Client {

	backend := simplehttp.New(host, logger)

	client := Client{&backend}

	return &client
}

func (client *Client) DeviceFind(guid string) (*dosewatch.Device, error) {

	url := fmt.Sprintf("/device?guid=%s", guid)

	data, err := client.Get(url)
	if err != nil {
		return nil, err
	}

	var devices []dosewatch.Device

	if err := json.Unmarshal([]byte(data), &devices); err != nil {
		return nil, err
	}

	if len(devices) != 1 {
		return nil, fmt.Errorf("Device not found %d", len(devices))
	}

	device := devices[0]

	return &device, nil

}

// ContainerVerification returns the most recent stored verification result
// for a container, or nil when the backend has never seen one.
func (client *Client) ContainerVerification(container int) (*dosewatch.VerificationResult, error) {

	url := fmt.Sprintf("/containers/%d/verification", container)

	data, err := client.Get(url)
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, nil
	}

	var result dosewatch.VerificationResult

	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (client *Client) NotificationList(container int) ([]dosewatch.Notification, error) {

	url := fmt.Sprintf("/containers/%d/notifications", container)

	data, err := client.Get(url)
	if err != nil {
		return nil, err
	}

	var notifications []dosewatch.Notification

	if err := json.Unmarshal([]byte(data), &notifications); err != nil {
		return nil, err
	}

	return notifications, nil
}
