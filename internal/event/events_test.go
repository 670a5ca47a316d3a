package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		payload string
		kind    ChangeKind
		source  ChangeSource
	}{
		{`{"op":"INSERT","table":"collections","user_id":"u-1","record_id":"c-1"}`, ChangeInsert, SourceCollection},
		{`{"op":"UPDATE","table":"collection_materials","user_id":"u-1"}`, ChangeUpdate, SourceCollection},
		{`{"op":"delete","table":"withdrawal_requests","user_id":"u-1"}`, ChangeDelete, SourceSpend},
		{`{"op":"Insert","table":"Wallet_Transactions","user_id":"u-1"}`, ChangeInsert, SourceSpend},
	}

	for _, tt := range tests {
		n, err := Decode([]byte(tt.payload))
		require.NoError(t, err, tt.payload)
		assert.Equal(t, tt.kind, n.Kind)
		assert.Equal(t, tt.source, n.Source)
		assert.Equal(t, "u-1", n.UserID)
	}
}

func TestDecode_Rejects(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"op":"TRUNCATE","table":"collections","user_id":"u-1"}`,
		`{"op":"INSERT","table":"users","user_id":"u-1"}`,
		`{"op":"INSERT","table":"collections","user_id":""}`,
	} {
		_, err := Decode([]byte(payload))
		assert.Error(t, err, payload)
	}

	_, err := Decode([]byte(`{"op":"INSERT","table":"audit_log","user_id":"u-1"}`))
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestEncodeDecode(t *testing.T) {
	in := ChangeNotification{
		Kind:       ChangeUpdate,
		Source:     SourceSpend,
		Table:      "withdrawal_requests",
		UserID:     "u-9",
		RecordID:   "w-3",
		OccurredAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	payload, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestBus(t *testing.T) {
	bus := NewBus(1)
	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe()
	assert.Equal(t, 2, bus.Subscribers())

	bus.Publish(WalletUpdated{UserID: "u-1"})
	assert.Equal(t, "u-1", (<-a).UserID)
	assert.Equal(t, "u-1", (<-b).UserID)

	// 缓冲区满时丢弃, 不阻塞
	bus.Publish(WalletUpdated{UserID: "u-2"})
	bus.Publish(WalletUpdated{UserID: "u-3"})
	assert.Equal(t, "u-2", (<-a).UserID)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, bus.Subscribers())
	cancelB()
}
