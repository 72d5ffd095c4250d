package events

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slopmachine/escrowd/internal/models"
)

type recordingSink struct {
	got []models.Event
	err error
}

func (r *recordingSink) Notify(ctx context.Context, ev models.Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func (r *recordingSink) Close() error { return nil }

func TestNewEvent(t *testing.T) {
	jobID := uuid.New()
	ev := NewEvent(models.EventPaymentReleased, jobID, models.PaymentReleased{Worker: "w1"})
	require.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, models.EventPaymentReleased, ev.Type)
	assert.Equal(t, jobID, ev.JobID)
	assert.False(t, ev.Ts.IsZero())
}

func TestMultiDeliversToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	m := NewMulti(a, b)

	ev := NewEvent(models.EventBidSubmitted, uuid.New(), nil)
	require.NoError(t, m.Notify(context.Background(), ev))
	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	assert.Equal(t, ev.ID, a.got[0].ID)
}

func TestMultiToleratesFailingSink(t *testing.T) {
	bad := &recordingSink{err: errors.New("broker down")}
	good := &recordingSink{}
	m := NewMulti(bad, good)

	ev := NewEvent(models.EventStakeSlashed, uuid.New(), nil)
	require.NoError(t, m.Notify(context.Background(), ev))
	require.Len(t, good.got, 1, "a failing sink must not block the others")
}
