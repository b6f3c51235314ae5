package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	updates   []UpdateOptions
}

func (p *fakePublisher) PublishSignup(ctx context.Context, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, channelID)
	return nil
}

func (p *fakePublisher) RequestUpdate(channelID string, opts UpdateOptions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, opts)
}

func newTestScheduler(t *testing.T) (*InhouseScheduler, *RosterEngine, *MemoryValueStore, *fakePublisher) {
	t.Helper()
	config := NewConfig()
	config.Discord.ChannelID = testChannelID
	location, err := config.Schedule.Location()
	require.NoError(t, err)

	engine, values := newTestEngine(t, nil, nil)
	publisher := &fakePublisher{}
	s, err := NewInhouseScheduler(context.Background(), zap.NewNop(), NoopMetrics{}, config, location, engine, publisher)
	require.NoError(t, err)
	return s, engine, values, publisher
}

func TestInhouseScheduler_DefaultSpecsFireInSeoul(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	config := NewScheduleConfig()
	from := time.Date(2024, 5, 1, 9, 0, 0, 0, seoul)

	reset, err := cron.ParseStandard(config.ResetSpec)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 2, 8, 0, 0, 0, seoul), reset.Next(from))

	recruit, err := cron.ParseStandard(config.RecruitSpec)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 17, 0, 0, 0, seoul), recruit.Next(from))
}

func TestNewInhouseScheduler_RejectsBadSpec(t *testing.T) {
	config := NewConfig()
	config.Schedule.ResetSpec = "every morning"

	_, err := NewInhouseScheduler(context.Background(), zap.NewNop(), NoopMetrics{}, config, time.UTC, nil, &fakePublisher{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid reset schedule")
}

func TestInhouseScheduler_ResetIsSilent(t *testing.T) {
	s, engine, values, publisher := newTestScheduler(t)
	joinAll(t, engine, ids("u", 3)...)
	engine.WaitSyncs()

	s.runReset()

	assert.Empty(t, engine.Snapshot(testChannelID).Participants)
	assert.Equal(t, []UpdateOptions{{Silent: true}}, publisher.updates)
	assert.Equal(t, make([]string, 10), column(values.Rows(NewRangeConfig().TenParticipants)))
}

func TestInhouseScheduler_RecruitPublishesOnce(t *testing.T) {
	s, _, values, publisher := newTestScheduler(t)

	s.runRecruit()
	assert.Equal(t, []string{testChannelID}, publisher.published)

	values.Set(NewRangeConfig().LastManualRecruit, [][]string{{"2024-05-01"}})
	s.runRecruit()
	assert.Len(t, publisher.published, 1, "manual recruit today suppresses the auto recruit")
}
