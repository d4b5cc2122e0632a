package idempotency

import (
	"context"
	"testing"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/aws/awstest"
)

const table = "idempotency-table"

func newTestStore() (*Store, *awstest.FakeDynamo) {
	fake := awstest.NewFakeDynamo(map[string]string{table: "idempotency_key"})
	return NewStore(fake, table, 48*time.Hour), fake
}

func TestCreateIfNotExists_Get_MarkDone(t *testing.T) {
	s, fake := newTestStore()
	ctx := context.Background()
	key := ScopedKey("orders.create", "user-1", "test-key-1")

	created, err := s.CreateIfNotExists(ctx, key)
	if err != nil {
		t.Fatalf("CreateIfNotExists error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}

	// second create should return created=false (exists)
	created2, err := s.CreateIfNotExists(ctx, key)
	if err != nil {
		t.Fatalf("second CreateIfNotExists error: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on duplicate create")
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil || rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS record, got %+v", rec)
	}

	if err := s.MarkDone(ctx, key, "{\"ok\":true}", 201); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}

	item := fake.Item(table, key)
	if st, ok := item["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusDone {
		t.Fatalf("status not updated to DONE, got %+v", item["status"])
	}
	if rb, ok := item["response_body"].(*types.AttributeValueMemberS); !ok || rb.Value != "{\"ok\":true}" {
		t.Fatalf("response_body not set correctly: %+v", item["response_body"])
	}

	// a completed record is final
	if err := s.MarkFailed(ctx, key, "late"); err != ErrConditionFailed {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	if ok, err := s.Reclaim(ctx, key); err != nil || ok {
		t.Fatalf("expected DONE record not to be reclaimable, got %v %v", ok, err)
	}
}

func TestMarkFailed_ThenReclaim(t *testing.T) {
	s, fake := newTestStore()
	ctx := context.Background()

	if _, err := s.CreateIfNotExists(ctx, "k1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkFailed(ctx, "k1", "gateway timeout"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	if n, ok := fake.Item(table, "k1")["note"].(*types.AttributeValueMemberS); !ok || n.Value != "gateway timeout" {
		t.Fatalf("note not set")
	}

	ok, err := s.Reclaim(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected reclaim, got %v %v", ok, err)
	}
	rec, _ := s.Get(ctx, "k1")
	if rec.Status != StatusInProgress || rec.Note != "" {
		t.Fatalf("unexpected record after reclaim: %+v", rec)
	}
}

func TestReclaim_StaleLeaseOnly(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }

	if _, err := s.CreateIfNotExists(ctx, "k1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := s.Reclaim(ctx, "k1"); ok {
		t.Fatalf("live lease must not be reclaimable")
	}

	later := now.Add(2 * defaultLease)
	s.nowFunc = func() time.Time { return later }
	if ok, err := s.Reclaim(ctx, "k1"); err != nil || !ok {
		t.Fatalf("expected stale lease to be reclaimed, got %v %v", ok, err)
	}
}

func TestBindOrder_InsideTransaction(t *testing.T) {
	s, fake := newTestStore()
	ctx := context.Background()
	if _, err := s.CreateIfNotExists(ctx, "k1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	item := s.BindOrder("k1", "order-1")
	if _, err := fake.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{item}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	rec, _ := s.Get(ctx, "k1")
	if rec.OrderID != "order-1" {
		t.Fatalf("order id not bound: %+v", rec)
	}

	// a record can only be bound once
	if _, err := fake.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{s.BindOrder("k1", "order-2")}}); err == nil {
		t.Fatalf("expected second bind to fail")
	}
}
