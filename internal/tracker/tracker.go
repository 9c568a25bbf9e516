// Package tracker keeps one discovery state machine per device for a single
// session: AWAITING_CONNECT -> REQUEST_SENT -> COMPLETE, each transition at
// most once per device, regardless of how often the bus redelivers.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/lucaslui/hems/roster-reconciler/internal/codec"
	"github.com/lucaslui/hems/roster-reconciler/internal/model"
)

// PublishIntent is the aboutdevice request the caller must publish.
type PublishIntent struct {
	Key     model.DeviceKey
	Topic   string
	Payload []byte
	QoS     byte
}

type Tracker struct {
	mu      sync.Mutex
	records map[model.DeviceKey]*model.DiscoveryRecord
	qos     byte
	now     func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(qos byte, opts ...Option) *Tracker {
	t := &Tracker{
		records: make(map[model.DeviceKey]*model.DiscoveryRecord),
		qos:     qos,
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OnConnected registers a device the first time it announces itself and
// returns the request to publish. Later calls for the same key return false.
func (t *Tracker) OnConnected(companyCode, serial string) (PublishIntent, bool) {
	key := model.DeviceKey{CompanyCode: companyCode, SerialNumber: serial}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[key]; ok {
		return PublishIntent{}, false
	}

	// AWAITING_CONNECT is only observable inside this critical section.
	rec := &model.DiscoveryRecord{Key: key, State: model.AwaitingConnect, FirstSeenAt: t.now()}
	rec.State = model.RequestSent
	t.records[key] = rec

	return PublishIntent{
		Key:     key,
		Topic:   codec.AboutDeviceRequestTopic(companyCode, serial),
		Payload: []byte{},
		QoS:     t.qos,
	}, true
}

// ConfirmRequest marks the request publish as acknowledged by the transport.
func (t *Tracker) ConfirmRequest(key model.DeviceKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[key]; ok {
		rec.RequestConfirmed = true
	}
}

// OnAboutDeviceResponse completes a device that has a request outstanding.
// A payload that does not decode completes the record with zero users and
// MalformedPayload set. Unknown or already complete keys return false.
func (t *Tracker) OnAboutDeviceResponse(companyCode, serial string, payload []byte) (model.DiscoveryRecord, bool) {
	key := model.DeviceKey{CompanyCode: companyCode, SerialNumber: serial}

	users, err := codec.DecodeUsers(payload)
	if err != nil {
		users = []string{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok || rec.State != model.RequestSent {
		return model.DiscoveryRecord{}, false
	}

	rec.ReportedUsers = users
	rec.MalformedPayload = err != nil
	rec.State = model.Complete
	rec.CompletedAt = t.now()

	return clone(rec), true
}

// Snapshot returns a copy of every record, ordered by key.
func (t *Tracker) Snapshot() []model.DiscoveryRecord {
	t.mu.Lock()
	out := make([]model.DiscoveryRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, clone(rec))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.CompanyCode != out[j].Key.CompanyCode {
			return out[i].Key.CompanyCode < out[j].Key.CompanyCode
		}
		return out[i].Key.SerialNumber < out[j].Key.SerialNumber
	})
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func clone(rec *model.DiscoveryRecord) model.DiscoveryRecord {
	c := *rec
	if rec.ReportedUsers != nil {
		c.ReportedUsers = make([]string, len(rec.ReportedUsers))
		copy(c.ReportedUsers, rec.ReportedUsers)
	}
	return c
}
