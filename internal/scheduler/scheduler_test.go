package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certmgr/internal/engine"
	"github.com/edvin/certmgr/internal/events"
	"github.com/edvin/certmgr/internal/model"
)

type fakeSource struct {
	records  []*model.Certificate
	settings model.Settings
}

func (f *fakeSource) List() []*model.Certificate { return f.records }
func (f *fakeSource) Settings() model.Settings   { return f.settings }

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeEnqueuer) Enqueue(id string, _ engine.Trigger) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return id, nil
}

func (f *fakeEnqueuer) queued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func record(fp string, certType model.CertType, autoRenew bool, validTo time.Time, renewDays int) *model.Certificate {
	return &model.Certificate{
		Fingerprint: fp,
		Name:        fp,
		CertType:    certType,
		ValidTo:     validTo,
		Config:      model.CertConfig{AutoRenew: autoRenew, RenewDaysBeforeExpiry: renewDays},
	}
}

func TestScan_QueuesExpiringStandardRecords(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		settings: model.DefaultSettings(),
		records: []*model.Certificate{
			record("expiring", model.CertTypeStandard, true, now.Add(10*24*time.Hour), 30),
			record("fresh", model.CertTypeStandard, true, now.Add(200*24*time.Hour), 30),
			record("manual-only", model.CertTypeStandard, false, now.Add(10*24*time.Hour), 30),
			record("root-ca", model.CertTypeRootCA, true, now.Add(10*24*time.Hour), 30),
			{Fingerprint: "broken", Name: "broken", ParseError: "bad file"},
		},
	}
	enq := &fakeEnqueuer{}
	bus := events.NewBus()
	defer bus.Shutdown()
	s := New(zerolog.Nop(), src, enq, bus)

	s.RunNow()

	// Only the expiring auto-renew standard record is queued. CA records
	// renew on explicit request only.
	assert.Equal(t, []string{"expiring"}, enq.queued())

	st := s.Status()
	require.NotNil(t, st.LastRun)
	assert.WithinDuration(t, time.Now(), *st.LastRun, 5*time.Second)
}

func TestScan_UsesGlobalDefaultThreshold(t *testing.T) {
	now := time.Now()
	settings := model.DefaultSettings()
	settings.RenewDaysBeforeExpiry = 60
	src := &fakeSource{
		settings: settings,
		records: []*model.Certificate{
			// No per-record threshold: the 60 day global default applies.
			record("global", model.CertTypeStandard, true, now.Add(45*24*time.Hour), 0),
		},
	}
	enq := &fakeEnqueuer{}
	bus := events.NewBus()
	defer bus.Shutdown()

	New(zerolog.Nop(), src, enq, bus).RunNow()
	assert.Equal(t, []string{"global"}, enq.queued())
}

func TestApply_PublishesStatusAndSetsClock(t *testing.T) {
	src := &fakeSource{settings: model.DefaultSettings()}
	enq := &fakeEnqueuer{}
	bus := events.NewBus()
	defer bus.Shutdown()
	ch := bus.Subscribe(model.TopicSchedulerStatusChanged)
	defer bus.Unsubscribe(ch)

	s := New(zerolog.Nop(), src, enq, bus)
	require.NoError(t, s.Apply(true, "0 3 * * *"))
	defer s.Stop()

	select {
	case raw := <-ch:
		ev := raw.(model.Event).Payload.(model.SchedulerStatusChangedEvent)
		assert.True(t, ev.Enabled)
		require.NotNil(t, ev.NextExecution)
		assert.True(t, ev.NextExecution.After(time.Now()))
	case <-time.After(5 * time.Second):
		t.Fatal("no scheduler-status-changed event")
	}

	st := s.Status()
	assert.True(t, st.Enabled)
	assert.Equal(t, "0 3 * * *", st.CronSpec)
	require.NotNil(t, st.NextExecution)
}

func TestApply_Disable(t *testing.T) {
	src := &fakeSource{settings: model.DefaultSettings()}
	bus := events.NewBus()
	defer bus.Shutdown()
	s := New(zerolog.Nop(), src, &fakeEnqueuer{}, bus)

	require.NoError(t, s.Apply(true, "0 3 * * *"))
	require.NoError(t, s.Apply(false, "0 3 * * *"))

	st := s.Status()
	assert.False(t, st.Enabled)
	assert.Nil(t, st.NextExecution)
}

func TestApply_InvalidCronSpec(t *testing.T) {
	src := &fakeSource{settings: model.DefaultSettings()}
	bus := events.NewBus()
	defer bus.Shutdown()
	s := New(zerolog.Nop(), src, &fakeEnqueuer{}, bus)

	err := s.Apply(true, "not a cron line")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindConflict))
	assert.False(t, s.Status().Enabled)
}
