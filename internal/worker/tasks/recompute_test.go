package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet-ledger/internal/event"
	"wallet-ledger/internal/service/ledger"
)

type fakeRefresher struct {
	err   error
	calls []string
}

func (f *fakeRefresher) ForceRefresh(ctx context.Context, userID string) (*ledger.WalletView, error) {
	f.calls = append(f.calls, userID)
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.WalletView{UserID: userID, Balance: decimal.RequireFromString("12.50")}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.WalletUpdated
}

func (p *recordingPublisher) Publish(ev event.WalletUpdated) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func TestNewRecomputeTask(t *testing.T) {
	task, err := NewRecomputeTask("user-1", "collection:insert")
	require.NoError(t, err)
	assert.Equal(t, TypeWalletRecompute, task.Type())

	var p RecomputePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, "collection:insert", p.Reason)

	_, err = NewRecomputeTask("  ", "x")
	assert.Error(t, err)
}

func TestRecomputeHandler(t *testing.T) {
	refresher := &fakeRefresher{}
	pub := &recordingPublisher{}
	h := NewRecomputeHandler(refresher, pub)

	task, err := NewRecomputeTask("user-1", "spend:update")
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(context.Background(), task))

	assert.Equal(t, []string{"user-1"}, refresher.calls)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "spend:update", pub.events[0].Reason)
	assert.Equal(t, "12.50", pub.events[0].View.Balance.StringFixed(2))
}

func TestRecomputeHandler_Errors(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("db down")}
	pub := &recordingPublisher{}
	h := NewRecomputeHandler(refresher, pub)

	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeWalletRecompute, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewRecomputeTask("user-1", "spend:update")
	require.NoError(t, err)
	err = h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, pub.events)
}
