package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/waveloc/api/internal/model"
)

func TestMemoryBus_DeliversToJobSubscribers(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	ch, release, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer release()

	other, otherRelease, err := b.Subscribe(ctx, "job-2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer otherRelease()

	if err := b.Publish(ctx, model.NewEvent("job-1", model.JobStatusRunning)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.JobID != "job-1" || got.Status != model.JobStatusRunning {
			t.Errorf("got event %+v, want job-1 running", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}

	select {
	case got := <-other:
		t.Fatalf("job-2 subscriber received %+v, want nothing", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBus_MissedEventsAreNotReplayed(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	if err := b.Publish(ctx, model.NewEvent("job-1", model.JobStatusRunning)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ch, release, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer release()

	select {
	case got := <-ch:
		t.Fatalf("late subscriber received %+v, want nothing", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBus_ReleaseClosesChannel(t *testing.T) {
	b := NewMemoryBus()
	ch, release, err := b.Subscribe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	release()
	release() // releasing twice is safe

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after release")
	}

	// Publishing after release must not panic or deliver.
	if err := b.Publish(context.Background(), model.NewEvent("job-1", model.JobStatusDone)); err != nil {
		t.Fatalf("publish after release: %v", err)
	}
}
