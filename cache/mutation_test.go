package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/goliatone/go-query-sync/pkg/testsupport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createCustomer struct {
	Name  string
	Phone string
}

func TestMutation_SuccessInvalidatesAllPrefixSources(t *testing.T) {
	qc := newTestCache(t)

	var events testsupport.Recorder[Event]
	qc.Bus().Events(events.Record)

	var succeeded testsupport.Recorder[int]
	m := NewMutation(qc, func(ctx context.Context, in createCustomer) (int, error) {
		return 42, nil
	}, WithName("create-customer"), WithPrefixes(NewKey("customers"))).
		InvalidateWith(func(in createCustomer, id int) []Key {
			return []Key{NewKey("customer", id)}
		}).
		OnSuccess(func(in createCustomer, id int) { succeeded.Record(id) })

	ctx := WithInvalidations(context.Background(), NewKey("customer-by-phone", "+996555123456"))
	id, err := m.Execute(ctx, createCustomer{Name: "Aigerim", Phone: "+996555123456"})
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	require.Equal(t, 1, events.Len(), "invalidation is applied before Execute returns")
	ev, _ := events.Last()
	got := make([]string, len(ev.Prefixes))
	for i, p := range ev.Prefixes {
		got[i] = p.String()
	}
	assert.Equal(t, []string{"customers", "customer::42", "customer-by-phone::+996555123456"}, got)

	assert.Equal(t, []int{42}, succeeded.All())
	assert.Equal(t, "create-customer", m.Name())
	assert.Equal(t, MutationState{Status: MutationSuccess, Runs: 1}, m.State())
}

func TestMutation_ErrorLeavesCacheUntouched(t *testing.T) {
	qc := newTestCache(t)
	f := constFetcher([]string{"a"})
	list := subscribe(t, qc, QueryOptions{Key: NewKey("customers", 0, 25), Fetcher: f.Fetch})
	waitSettled(t, list)
	before := list.Snapshot().Version

	var events testsupport.Recorder[Event]
	qc.Bus().Events(events.Record)

	boom := errors.New("phone already registered")
	var failed testsupport.Recorder[error]
	m := NewMutation(qc, func(ctx context.Context, in createCustomer) (int, error) {
		return 0, boom
	}, WithPrefixes(NewKey("customers"))).
		OnError(func(_ createCustomer, err error) { failed.Record(err) })

	id, err := m.Execute(context.Background(), createCustomer{Name: "Dup"})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, id)

	assert.Zero(t, events.Len())
	assert.Equal(t, before, list.Snapshot().Version)
	assert.Equal(t, 1, f.Total())
	assert.Equal(t, []error{boom}, failed.All())

	state := m.State()
	assert.Equal(t, MutationError, state.Status)
	assert.ErrorIs(t, state.Err, boom)
	assert.Equal(t, 1, state.Runs)
	assert.Equal(t, "mutation", m.Name())
}

func TestMutation_CreatedRecordVisibleInList(t *testing.T) {
	qc := newTestCache(t)
	backend := &customerList{}
	backend.add("Bakyt")

	list := subscribe(t, qc, QueryOptions{Key: NewKey("customers", 0, 25), Fetcher: backend.Fetch})
	waitSettled(t, list)

	create := NewMutation(qc, func(ctx context.Context, in createCustomer) (string, error) {
		backend.add(fmt.Sprintf("%s %s", in.Name, in.Phone))
		return in.Phone, nil
	}, WithName("create-customer"), WithPrefixes(NewKey("customers")))

	_, err := create.Execute(context.Background(), createCustomer{Name: "Aigerim", Phone: "+996555123456"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		page, ok := DataAs[[]string](list.Snapshot())
		return ok && len(page) == 2 && page[0] == "Aigerim +996555123456"
	}, waitFor, tick)
}

func TestMutation_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	qc := newTestCache(t, withRegistry(reg))

	ok := NewMutation(qc, func(ctx context.Context, in int) (int, error) { return in, nil }, WithName("accrue"))
	bad := NewMutation(qc, func(ctx context.Context, in int) (int, error) { return 0, errors.New("nope") }, WithName("accrue"))

	_, err := ok.Execute(context.Background(), 1)
	require.NoError(t, err)
	_, err = ok.Execute(context.Background(), 2)
	require.NoError(t, err)
	_, err = bad.Execute(context.Background(), 3)
	require.Error(t, err)

	assert.Equal(t, 2.0, metricValue(t, reg, "querysync_mutations_total", map[string]string{"mutation": "accrue", "outcome": "success"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "querysync_mutations_total", map[string]string{"mutation": "accrue", "outcome": "error"}))
	assert.Equal(t, 2, ok.State().Runs)
}

func TestMutationStatus_String(t *testing.T) {
	tests := []struct {
		status MutationStatus
		want   string
	}{
		{MutationIdle, "idle"},
		{MutationPending, "pending"},
		{MutationSuccess, "success"},
		{MutationError, "error"},
		{MutationStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}
