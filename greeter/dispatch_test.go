package greeter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatcher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := newDispatcher(discardLogger())

	var calls []string
	d.On(EventMemberJoin, func(_ context.Context, e Event) {
		calls = append(calls, "first:"+string(e.Name))
	})
	d.On(EventMemberJoin, func(_ context.Context, _ Event) {
		panic("boom")
	})
	d.On(EventMemberJoin, func(_ context.Context, _ Event) {
		calls = append(calls, "third")
	})
	d.On(EventMemberRemove, func(_ context.Context, _ Event) {
		calls = append(calls, "remove")
	})

	assert.Equal(t, 3, d.Handlers(EventMemberJoin))
	assert.Equal(t, 0, d.Handlers(EventTicketCommand))

	assert.NotPanics(t, func() {
		d.Dispatch(ctx, Event{Name: EventMemberJoin})
	})
	assert.Equal(t, []string{"first:member_join", "third"}, calls)

	calls = nil
	d.Dispatch(ctx, Event{Name: EventTicketCommand})
	assert.Empty(t, calls)

	d.Dispatch(ctx, Event{Name: EventMemberRemove})
	assert.Equal(t, []string{"remove"}, calls)
}
