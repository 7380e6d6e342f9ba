package eventbus

import "testing"

func TestSubscribeFiltersByTable(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("todos")
	defer unsubscribe()

	b.Publish(Event{Document: "doc1", Table: "labels", Reason: ReasonLocalWrite})
	b.Publish(Event{Document: "doc1", Table: "todos", Reason: ReasonLocalWrite})

	select {
	case evt := <-ch:
		if evt.Table != "todos" {
			t.Fatalf("expected todos event, got %q", evt.Table)
		}
	default:
		t.Fatal("expected a buffered event for todos")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event: %+v", evt)
	default:
	}
}

func TestSubscribeWithNoTablesGetsEverything(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.PublishTables("doc1", []string{"todos", "labels"}, ReasonApplyRemote)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			got[evt.Table] = true
		default:
			t.Fatalf("expected event %d", i)
		}
	}
	if !got["todos"] || !got["labels"] {
		t.Fatalf("expected both tables, got %+v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe("todos")
	unsubscribe()

	b.Publish(Event{Document: "doc1", Table: "todos"})

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}

func TestPublishDoesNotBlockWhenSubscriberFull(t *testing.T) {
	b := New()
	_, unsubscribe := b.Subscribe("todos")
	defer unsubscribe()

	for i := 0; i < 100; i++ {
		b.Publish(Event{Document: "doc1", Table: "todos"})
	}
}
