package cdc_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

func rec(id string, price float64) cdc.Record {
	return cdc.Record{ID: id, Price: price, BuyerState: "WA"}
}

func TestInterpretCreateHasNoPrevious(t *testing.T) {
	got, err := cdc.Interpret(cdc.Created{Current: rec("7", 10.00)})
	require.NoError(t, err)

	up, ok := got.(cdc.Upsert)
	require.True(t, ok, "expected Upsert, got %T", got)
	assert.Equal(t, cdc.OperationCreate, up.Operation)
	assert.Equal(t, rec("7", 10.00), up.Current)
	assert.Nil(t, up.Previous)
	assert.Equal(t, cdc.KindUpsert, got.Kind())
	assert.Equal(t, "7", got.Key())
}

func TestInterpretReplaceCarriesPrevious(t *testing.T) {
	prev := rec("7", 10.00)
	got, err := cdc.Interpret(cdc.Replaced{Current: rec("7", 12.00), Previous: &prev})
	require.NoError(t, err)

	up := got.(cdc.Upsert)
	assert.Equal(t, cdc.OperationReplace, up.Operation)
	assert.Equal(t, 12.00, up.Current.Price)
	require.NotNil(t, up.Previous)
	assert.Equal(t, 10.00, up.Previous.Price)
}

func TestInterpretReplaceWithoutPreviousIsDegradedNotError(t *testing.T) {
	got, err := cdc.Interpret(cdc.Replaced{Current: rec("9", 3.75)})
	require.NoError(t, err)
	assert.Nil(t, got.(cdc.Upsert).Previous)
}

func TestInterpretDeletes(t *testing.T) {
	prev := rec("7", 12.00)

	got, err := cdc.Interpret(cdc.Deleted{Previous: prev})
	require.NoError(t, err)
	assert.Equal(t, cdc.DeleteExplicit{Previous: prev}, got)
	assert.Equal(t, cdc.KindDelete, got.Kind())

	got, err = cdc.Interpret(cdc.Deleted{Previous: prev, TTLExpired: true})
	require.NoError(t, err)
	assert.Equal(t, cdc.DeleteByExpiry{Previous: prev}, got)
	assert.Equal(t, cdc.KindExpire, got.Kind())
}

func TestInterpretIncrementalRecord(t *testing.T) {
	got, err := cdc.Interpret(rec("1", 8.00))
	require.NoError(t, err)
	assert.Equal(t, cdc.Upsert{Current: rec("1", 8.00)}, got)
}

func TestInterpretMalformed(t *testing.T) {
	cause := errors.New("bad tag")
	_, err := cdc.Interpret(cdc.Malformed{Raw: []byte(`{}`), Err: cause})
	require.Error(t, err)
	assert.ErrorIs(t, err, cdc.ErrMalformedEvent)
	assert.ErrorIs(t, err, cause)

	var me *cdc.MalformedEventError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, []byte(`{}`), me.Raw)

	_, err = cdc.Interpret(nil)
	assert.ErrorIs(t, err, cdc.ErrMalformedEvent)
}

func TestDescribe(t *testing.T) {
	prev := rec("7", 10.00)
	cases := []struct {
		change cdc.InterpretedChange
		want   string
	}{
		{cdc.Upsert{Current: rec("7", 10)}, "Change in item: 7. New price: 10.00."},
		{cdc.Upsert{Operation: cdc.OperationCreate, Current: rec("7", 10)}, "Operation: create. Item id: 7. Current price: 10.00"},
		{cdc.Upsert{Operation: cdc.OperationReplace, Current: rec("7", 12), Previous: &prev},
			"Operation: replace. Item id: 7. Current price: 12.00. Previous price: 10.00"},
		{cdc.DeleteExplicit{Previous: rec("7", 12)}, "Operation: delete (not due to TTL). Item id: 7. Previous price: 12.00"},
		{cdc.DeleteByExpiry{Previous: rec("7", 12)}, "Operation: delete (due to TTL). Item id: 7. Previous price: 12.00"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, cdc.Describe(c.change))
	}
}
