package dosewatch

import (
	"encoding/json"
	"time"

	"github.com/cmodk/go-simpleflake"

	"github.com/dosewatch/dosewatch/app"
)

// Notification is one human readable content-change summary for a container.
// The log is capped at NotificationCap entries per container, oldest evicted
// first.
type Notification struct {
	Id         uint64          `db:"id" json:"id"`
	DeviceGuid string          `db:"device_guid" json:"device_guid"`
	Container  int             `db:"container" json:"container"`
	Message    string          `db:"message" json:"message"`
	Diff       json.RawMessage `db:"diff" json:"diff,omitempty"`
	Timestamp  time.Time       `db:"timestamp" json:"timestamp"`
}

func (n *Notification) Populate() error {
	return nil
}

type Notifications struct {
	repo *app.DatabaseRepository
	db   *app.Database
}

func NewNotifications(d *Dosewatch) *Notifications {
	return &Notifications{
		repo: d.NewDatabaseRepository("notifications"),
		db:   d.Database,
	}
}

type NotificationCriteria struct {
	Id         uint64 `schema:"id" db:"id"`
	DeviceGuid string `schema:"device" db:"device_guid"`
	Container  int    `schema:"container" db:"container"`

	OrderBy string `schema:"-"`
	Limit   int    `schema:"limit"`
}

// Insert appends the notification and evicts anything beyond the per-container
// cap, oldest first.
func (ns *Notifications) Insert(n *Notification) error {
	if n.Id == 0 {
		n.Id = simpleflake.Next()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	if err := ns.repo.Create(n); err != nil {
		return err
	}

	_, err := ns.db.Exec(
		`DELETE FROM notifications WHERE device_guid=? AND container=? AND id NOT IN (
			SELECT id FROM (
				SELECT id FROM notifications WHERE device_guid=? AND container=?
				ORDER BY timestamp DESC, id DESC LIMIT ?
			) newest
		)`,
		n.DeviceGuid, n.Container, n.DeviceGuid, n.Container, NotificationCap)

	return err
}

// NotificationList is the Entity wrapper the repository layer wants.
type NotificationList []Notification

func (nl *NotificationList) Populate() error {
	return nil
}

// List returns notifications newest first.
func (ns *Notifications) List(c NotificationCriteria) ([]Notification, error) {
	c.OrderBy = "timestamp DESC, id DESC"

	var list NotificationList
	if err := ns.repo.List(&list, c); err != nil {
		return nil, err
	}

	return list, nil
}

func (ns *Notifications) Delete(id uint64) error {
	return ns.repo.Delete(&Notification{Id: id})
}

// DeleteAll clears notifications matching the criteria. A zero criteria clears
// everything.
func (ns *Notifications) DeleteAll(c NotificationCriteria) error {
	if c.DeviceGuid == "" && c.Container == 0 {
		_, err := ns.db.Exec("DELETE FROM notifications")
		return err
	}

	if c.Container == 0 {
		_, err := ns.db.Exec("DELETE FROM notifications WHERE device_guid=?", c.DeviceGuid)
		return err
	}

	_, err := ns.db.Exec("DELETE FROM notifications WHERE device_guid=? AND container=?",
		c.DeviceGuid, c.Container)
	return err
}
