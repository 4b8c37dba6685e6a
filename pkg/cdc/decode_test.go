package cdc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

func TestDecodeChangeDocument(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want cdc.Event
	}{
		{
			name: "create",
			raw:  `{"id":"7","price":10,"buyerState":"WA","_metadata":{"operationType":"create"}}`,
			want: cdc.Created{Current: rec("7", 10)},
		},
		{
			name: "replace",
			raw: `{"id":"7","price":12,"buyerState":"WA","_metadata":{"operationType":"replace",
				"previousImage":{"id":"7","price":10,"buyerState":"WA"}}}`,
			want: cdc.Replaced{Current: rec("7", 12), Previous: &cdc.Record{ID: "7", Price: 10, BuyerState: "WA"}},
		},
		{
			name: "replace outside retention",
			raw:  `{"id":"7","price":12,"buyerState":"WA","_metadata":{"operationType":"replace"}}`,
			want: cdc.Replaced{Current: rec("7", 12)},
		},
		{
			name: "ttl delete",
			raw: `{"id":"7","buyerState":"WA","_metadata":{"operationType":"delete","timeToLiveExpired":true,
				"previousImage":{"id":"7","price":12,"buyerState":"WA"}}}`,
			want: cdc.Deleted{Previous: rec("7", 12), TTLExpired: true},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, cdc.DecodeChangeDocument([]byte(c.raw)))
		})
	}
}

func TestDecodeChangeDocumentContractViolations(t *testing.T) {
	bad := []string{
		`not json`,
		`{"id":"1","price":1,"buyerState":"WA"}`,
		`{"id":"1","_metadata":{"operationType":"upsert"}}`,
		`{"id":"1","_metadata":{"operationType":"create","previousImage":{"id":"1"}}}`,
		`{"id":"1","_metadata":{"operationType":"delete"}}`,
	}
	for _, raw := range bad {
		ev := cdc.DecodeChangeDocument([]byte(raw))
		m, ok := ev.(cdc.Malformed)
		require.True(t, ok, "expected Malformed for %s, got %T", raw, ev)
		assert.Equal(t, raw, string(m.Raw))
		assert.Error(t, m.Err)
	}
}

func TestEncodeChangeDocumentRoundTrip(t *testing.T) {
	prev := rec("3", 8.00)
	events := []cdc.Event{
		cdc.Created{Current: rec("3", 8.00)},
		cdc.Replaced{Current: rec("3", 9.00), Previous: &prev},
		cdc.Deleted{Previous: rec("3", 9.00), TTLExpired: true},
	}
	for _, e := range events {
		raw, err := cdc.EncodeChangeDocument(e)
		require.NoError(t, err)
		assert.Equal(t, e, cdc.DecodeChangeDocument(raw))
	}

	_, err := cdc.EncodeChangeDocument(cdc.Malformed{Err: assert.AnError})
	assert.Error(t, err)
}

func TestStartPositionValidate(t *testing.T) {
	assert.NoError(t, cdc.StartNow().Validate())
	assert.NoError(t, cdc.StartBeginning().Validate())
	assert.NoError(t, cdc.StartFromContinuation("abc").Validate())
	assert.ErrorIs(t, cdc.StartFromContinuation("").Validate(), cdc.ErrInvalidCursor)
}

func TestParseMode(t *testing.T) {
	m, err := cdc.ParseMode("incremental")
	require.NoError(t, err)
	assert.Equal(t, cdc.Incremental, m)

	m, err = cdc.ParseMode("full-fidelity")
	require.NoError(t, err)
	assert.Equal(t, cdc.FullFidelity, m)

	_, err = cdc.ParseMode("latest")
	assert.Error(t, err)
}
