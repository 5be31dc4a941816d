package proxy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRecordTrimsOldest(t *testing.T) {
	t.Parallel()

	for _, ns := range []Namespace{Channel, User("42")} {
		t.Run(ns.String(), func(t *testing.T) {
			l := NewLedger()
			for i := 1; i <= 5; i++ {
				l.Record(ns, Batch{mt("h", i, "s", epoch)})
				assert.LessOrEqual(t, len(l.Recent(ns)), LedgerDepth)
			}

			recent := l.Recent(ns)
			require.Len(t, recent, LedgerDepth)
			assert.Equal(t, 3, recent[0][0].Port)
			assert.Equal(t, 4, recent[1][0].Port)
			assert.Equal(t, 5, recent[2][0].Port)
		})
	}
}

func TestLedgerNamespacesAreIndependent(t *testing.T) {
	t.Parallel()

	l := &Ledger{}
	p := mt("h1", 443, "s1", epoch)
	l.Record(User("7"), Batch{p})

	assert.True(t, RecentlySent(l.Recent(User("7")), p))
	assert.False(t, RecentlySent(l.Recent(User("8")), p))
	assert.False(t, RecentlySent(l.Recent(Channel), p))
}

func TestRecentlySentMatchesEndpoint(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	l.Record(Channel, Batch{mt("h1", 443, "old", epoch)})

	assert.True(t, RecentlySent(l.Recent(Channel), mt("h1", 443, "rotated", epoch)))
	assert.False(t, RecentlySent(l.Recent(Channel), mt("h1", 444, "old", epoch)))
}

func TestRecentIgnoresBatchesBeyondDepth(t *testing.T) {
	t.Parallel()

	l := &Ledger{Channel: []Batch{
		{mt("ancient", 1, "s", epoch)},
		{mt("b", 2, "s", epoch)},
		{mt("c", 3, "s", epoch)},
		{mt("d", 4, "s", epoch)},
	}}

	assert.False(t, RecentlySent(l.Recent(Channel), mt("ancient", 1, "s", epoch)))
	assert.True(t, RecentlySent(l.Recent(Channel), mt("d", 4, "s", epoch)))
}

func TestLedgerJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(&Ledger{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":[],"users":{}}`, string(b))

	raw := `{"channel":[[{"type":"mtproto","host":"h1","port":"443","secret":"s1","timestamp":1772366400.5}]],"users":{"42":[]}}`
	var l Ledger
	require.NoError(t, json.Unmarshal([]byte(raw), &l))
	require.Len(t, l.Channel, 1)
	got := l.Channel[0][0]
	assert.Equal(t, 443, got.Port)
	assert.WithinDuration(t, time.Unix(1772366400, 500_000_000), got.Timestamp, time.Millisecond)
	assert.Contains(t, l.Users, "42")
}

func TestLedgerJSONMissingUsers(t *testing.T) {
	t.Parallel()

	var l Ledger
	require.NoError(t, json.Unmarshal([]byte(`{"channel":[]}`), &l))
	require.NotNil(t, l.Users)
	l.Record(User("1"), Batch{mt("h", 1, "s", epoch)})
	assert.Len(t, l.Recent(User("1")), 1)
}
