package dosewatch

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cmodk/go-simpleflake"

	"github.com/dosewatch/dosewatch/app"
)

type Devices struct {
	db *app.Database
}

func NewDevices(d *Dosewatch) *Devices {
	return &Devices{d.Database}
}

func (devices *Devices) List(c DeviceCriteria) ([]Device, error) {
	var ds []Device
	if err := devices.db.Match(&ds, "devices", c); err != nil {
		return nil, err
	}

	for i := range ds {
		ds[i].db = devices.db
	}

	return ds, nil

}

func (devices *Devices) Get(c DeviceCriteria) (*Device, error) {
	var d Device
	if err := devices.db.MatchOne(&d, "devices", c); err != nil {
		return nil, err
	}

	d.db = devices.db

	return &d, nil

}

func (devices *Devices) Create(d *Device) error {
	d.Created = time.Now().UTC()
	if err := devices.db.Insert(d, "devices"); err != nil {
		return err
	}
	d.db = devices.db
	return nil
}

// Device is one registered dispenser hub appliance.
type Device struct {
	db      *app.Database
	Id      uint64    `db:"id" json:"id"`
	Guid    string    `db:"guid" json:"guid"`
	Created time.Time `db:"created" json:"created"`
	Token   *string   `db:"token" json:"-"`
	Online  bool      `db:"online" json:"online"`
}

func (d *Device) UpdateOnlineStatus(status bool) error {
	_, err := d.db.Exec("UPDATE devices SET online = ? WHERE id = ?", status, d.Id)
	return err
}

type DeviceCriteria struct {
	Id   uint64 `schema:"id" db:"id"`
	Guid string `schema:"guid" db:"guid"`

	Limit int `schema:"limit"`
}

// DeviceCommand is a persisted capture or test command destined for one of the
// device's containers. Pending commands have not yet been published on the
// command topic.
type DeviceCommand struct {
	Id         uint64          `db:"id" json:"id"`
	DeviceId   uint64          `db:"device_id" json:"device_id"`
	DeviceGuid string          `db:"device_guid" json:"device_guid"`
	Command    string          `db:"command" json:"command"`
	Container  int             `db:"container" json:"container"`
	Created    time.Time       `db:"created" json:"created"`
	Parameters json.RawMessage `db:"parameters" json:"parameters,omitempty"`
	Pending    bool            `db:"pending" json:"pending"`
}

type DeviceCommandCriteria struct {
	Id        uint64 `schema:"id" db:"id"`
	DeviceId  uint64 `schema:"device_id" db:"device_id"`
	Container int    `schema:"container" db:"container"`
	Pending   bool   `schema:"pending" db:"pending"`

	Limit int `schema:"limit"`
}

func (d *Device) CommandInsert(command *DeviceCommand) error {

	command.Created = time.Now().UTC()
	command.Id = simpleflake.Next()
	command.DeviceGuid = d.Guid
	command.DeviceId = d.Id
	command.Pending = true

	return d.db.Insert(*command, "device_commands")
}

func (d *Device) CommandSent(cmd *DeviceCommand) error {
	_, err := d.db.Exec("UPDATE device_commands SET pending=0 WHERE device_id=? AND id=?", d.Id, cmd.Id)

	return err
}

func (d *Device) CommandGet(c DeviceCommandCriteria) (*DeviceCommand, error) {
	c.DeviceId = d.Id

	var cmd DeviceCommand
	if err := d.db.MatchOne(&cmd, "device_commands", c); err != nil {
		return nil, err
	}

	return &cmd, nil
}

func (d *Device) CommandsPending() ([]DeviceCommand, error) {

	c := DeviceCommandCriteria{
		DeviceId: d.Id,
		Pending:  true,
	}

	var commands []DeviceCommand

	if err := d.db.Match(&commands, "device_commands", c); err != nil {
		return nil, err
	}

	return commands, nil

}

// LastCommand returns the newest command of the given kind for a container,
// or nil when none was ever issued.
func (d *Device) LastCommand(container int, command string) (*DeviceCommand, error) {
	var cmd DeviceCommand
	err := d.db.Get(&cmd,
		"SELECT * FROM device_commands WHERE device_id=? AND container=? AND command=? ORDER BY created DESC LIMIT 1",
		d.Id, container, command)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &cmd, nil
}
