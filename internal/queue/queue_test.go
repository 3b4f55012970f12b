package queue

import (
	"context"
	"testing"
	"time"

	"attendsheets/internal/notify"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemory_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := NewInMemory(4)
	msg, err := NewActivity("c1", "s1", ActivityEnrolled, map[string]any{"record_id": "r1"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, msg); err != nil {
		t.Fatal(err)
	}
	ch, _ := q.Consume(ctx)
	select {
	case got := <-ch:
		a, err := DecodeActivity(got)
		if err != nil {
			t.Fatal(err)
		}
		if got.Type != TypeActivity || a.ClassID != "c1" || a.Type != ActivityEnrolled || a.ID == "" {
			t.Errorf("unexpected activity: %+v", a)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisQueue_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	q := NewRedisQueue(client, "test:events")
	msg, _ := NewEmail(notify.Email{To: "a@b.c", Kind: notify.KindVerification, Code: "123456"})
	if err := q.Publish(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if n, _ := client.LLen(ctx, "test:events").Result(); n != 1 {
		t.Fatalf("expected 1 queued entry, got %d", n)
	}

	ch, _ := q.Consume(ctx)
	select {
	case got := <-ch:
		e, err := DecodeEmail(got)
		if err != nil {
			t.Fatal(err)
		}
		if e.To != "a@b.c" || e.Code != "123456" {
			t.Errorf("unexpected email: %+v", e)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}
