package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu      sync.Mutex
	tracked map[string]bool
}

func (r *fakeReader) set(topic, key string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tracked == nil {
		r.tracked = make(map[string]bool)
	}
	r.tracked[topic+"/"+key] = on
}

func (r *fakeReader) Tracked(_ context.Context, name, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracked[name+"/"+key], nil
}

const testGrace = 30 * time.Millisecond

func newDepartureFixture(t *testing.T) (*Store, *models.Match, *fakeReader, *Departures) {
	t.Helper()
	s := NewStore(memory.NewMatchStore(), nil, nil, nil)
	m, err := s.CreateMatch(context.Background(), "alice", "bob")
	require.NoError(t, err)
	reader := &fakeReader{}
	return s, m, reader, NewDepartures(s, reader, testGrace, nil)
}

func activeMatch(t *testing.T, s *Store, userID string) *models.Match {
	t.Helper()
	m, err := s.GetActiveMatch(context.Background(), userID)
	require.NoError(t, err)
	return m
}

func TestDepartures_EndsMatchAfterGrace(t *testing.T) {
	s, m, _, d := newDepartureFixture(t)

	d.Arrived(m.ChannelID, "alice")
	d.Left(m.ChannelID, "alice")
	require.NotNil(t, activeMatch(t, s, "alice"), "the grace period has not passed")

	require.Eventually(t, func() bool {
		return activeMatch(t, s, "bob") == nil
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.Pending())
}

func TestDepartures_ReturnWithinGraceKeepsMatch(t *testing.T) {
	s, m, _, d := newDepartureFixture(t)

	d.Arrived(m.ChannelID, "alice")
	d.Left(m.ChannelID, "alice")
	d.Arrived(m.ChannelID, "alice")

	time.Sleep(3 * testGrace)
	got := activeMatch(t, s, "alice")
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
}

func TestDepartures_SecondSessionKeepsMatch(t *testing.T) {
	s, m, _, d := newDepartureFixture(t)

	d.Arrived(m.ChannelID, "alice")
	d.Arrived(m.ChannelID, "alice")
	d.Left(m.ChannelID, "alice")

	time.Sleep(3 * testGrace)
	require.NotNil(t, activeMatch(t, s, "alice"))

	d.Left(m.ChannelID, "alice")
	require.Eventually(t, func() bool {
		return activeMatch(t, s, "alice") == nil
	}, time.Second, 5*time.Millisecond)
}

func TestDepartures_PresenceElsewhereKeepsMatch(t *testing.T) {
	s, m, reader, d := newDepartureFixture(t)

	// Alice reconnected through another process.
	reader.set("presence:"+m.ChannelID, "alice", true)
	d.Arrived(m.ChannelID, "alice")
	d.Left(m.ChannelID, "alice")

	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.NotNil(t, activeMatch(t, s, "alice"))
}

func TestDepartures_IgnoresOtherRooms(t *testing.T) {
	s, m, _, d := newDepartureFixture(t)

	d.Arrived("general", "alice")
	d.Left("general", "alice")
	d.Left(m.ChannelID, "bob")

	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(testGrace)
	require.NotNil(t, activeMatch(t, s, "alice"))
}
