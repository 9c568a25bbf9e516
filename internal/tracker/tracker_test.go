package tracker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaslui/hems/roster-reconciler/internal/model"
)

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestOnConnected_PublishesOnce(t *testing.T) {
	tr := New(2)

	intent, ok := tr.OnConnected("ACME", "D1")
	require.True(t, ok)
	assert.Equal(t, "ACME/D1/aboutdevice/request", intent.Topic)
	assert.Empty(t, intent.Payload)
	assert.Equal(t, byte(2), intent.QoS)
	assert.Equal(t, model.DeviceKey{CompanyCode: "ACME", SerialNumber: "D1"}, intent.Key)

	for i := 0; i < 5; i++ {
		_, ok = tr.OnConnected("ACME", "D1")
		assert.False(t, ok)
	}

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, model.RequestSent, snap[0].State)
}

func TestOnConnected_CompanyCodeIsPartOfIdentity(t *testing.T) {
	tr := New(2)

	_, ok := tr.OnConnected("ACME", "D1")
	require.True(t, ok)
	_, ok = tr.OnConnected("OTHER", "D1")
	require.True(t, ok)

	assert.Equal(t, 2, tr.Len())
}

func TestOnConnected_ConcurrentDuplicates(t *testing.T) {
	tr := New(2)

	var issued atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tr.OnConnected("ACME", "D1"); ok {
				issued.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), issued.Load())
}

func TestOnAboutDeviceResponse_CompletesOnce(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := New(2, WithClock(fixedClock(t0)))

	_, ok := tr.OnConnected("ACME", "D1")
	require.True(t, ok)

	rec, ok := tr.OnAboutDeviceResponse("ACME", "D1", []byte(`{"users":["u1","u2"]}`))
	require.True(t, ok)
	assert.Equal(t, model.Complete, rec.State)
	assert.Equal(t, []string{"u1", "u2"}, rec.ReportedUsers)
	assert.False(t, rec.MalformedPayload)
	assert.Equal(t, t0, rec.FirstSeenAt)
	assert.Equal(t, t0, rec.CompletedAt)

	_, ok = tr.OnAboutDeviceResponse("ACME", "D1", []byte(`{"users":["u9"]}`))
	assert.False(t, ok)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, []string{"u1", "u2"}, snap[0].ReportedUsers)
}

func TestOnAboutDeviceResponse_ConcurrentDuplicates(t *testing.T) {
	tr := New(2)
	_, ok := tr.OnConnected("ACME", "D1")
	require.True(t, ok)

	var completed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tr.OnAboutDeviceResponse("ACME", "D1", []byte(`{"users":["u1"]}`)); ok {
				completed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), completed.Load())
}

func TestOnAboutDeviceResponse_UnknownDevice(t *testing.T) {
	tr := New(2)

	_, ok := tr.OnAboutDeviceResponse("ACME", "D1", []byte(`{"users":[]}`))
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Len())
}

func TestOnAboutDeviceResponse_MalformedPayload(t *testing.T) {
	tr := New(2)
	_, ok := tr.OnConnected("ACME", "D1")
	require.True(t, ok)

	rec, ok := tr.OnAboutDeviceResponse("ACME", "D1", []byte("not json"))
	require.True(t, ok)
	assert.True(t, rec.MalformedPayload)
	assert.NotNil(t, rec.ReportedUsers)
	assert.Empty(t, rec.ReportedUsers)
	assert.Equal(t, model.Complete, rec.State)
}

func TestConfirmRequest(t *testing.T) {
	tr := New(1)
	intent, ok := tr.OnConnected("ACME", "D1")
	require.True(t, ok)

	assert.False(t, tr.Snapshot()[0].RequestConfirmed)
	tr.ConfirmRequest(intent.Key)
	assert.True(t, tr.Snapshot()[0].RequestConfirmed)

	// unknown keys are ignored
	tr.ConfirmRequest(model.DeviceKey{CompanyCode: "ACME", SerialNumber: "nope"})
	assert.Equal(t, 1, tr.Len())
}

func TestSnapshot_IsOrderedCopy(t *testing.T) {
	tr := New(2)
	for _, s := range []string{"D3", "D1", "D2"} {
		_, ok := tr.OnConnected("ACME", s)
		require.True(t, ok)
	}
	_, ok := tr.OnAboutDeviceResponse("ACME", "D2", []byte(`{"users":["a"]}`))
	require.True(t, ok)

	snap := tr.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "D1", snap[0].Key.SerialNumber)
	assert.Equal(t, "D2", snap[1].Key.SerialNumber)
	assert.Equal(t, "D3", snap[2].Key.SerialNumber)
	assert.Equal(t, model.Complete, snap[1].State)

	snap[1].ReportedUsers[0] = "mutated"
	assert.Equal(t, "a", tr.Snapshot()[1].ReportedUsers[0])
}
