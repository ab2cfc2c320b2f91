package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
	"github.com/pesio-ai/be-proc-requests/internal/platform/identity"
	"github.com/pesio-ai/be-proc-requests/internal/platform/logger"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

func newOrderServiceForTest(t *testing.T) (*OrderService, *fakeOrderStore, *fakeAuditStore) {
	t.Helper()
	audit := &fakeAuditStore{}
	requests := newFakeRequestStore(audit)
	orders := newFakeOrderStore(requests, audit)
	return NewOrderService(orders, audit, logger.Nop()), orders, audit
}

func seedOrder(t *testing.T, orders *fakeOrderStore, id string) {
	t.Helper()
	orders.mu.Lock()
	defer orders.mu.Unlock()
	order := &repository.PurchaseOrder{
		ID: id, RequestID: "req-" + id, OrderNumber: "PO-2026-ABCD1234",
		DivisionID: "div-1", Amount: 500_00, CreatedBy: "requester-1",
	}
	orders.byID[id] = order
	orders.byReq[order.RequestID] = order
}

func TestRecordActionPrintedIncrementsCounter(t *testing.T) {
	svc, orders, audit := newOrderServiceForTest(t)
	ctx := context.Background()
	seedOrder(t, orders, "order-1")
	actor := identity.Actor{ID: "clerk-1"}

	for i := 0; i < 3; i++ {
		entry, err := svc.RecordAction(ctx, "order-1", "printed", nil, actor)
		require.NoError(t, err)
		assert.Equal(t, "printed", entry.Action)
	}

	order, err := svc.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 3, order.PrintCount)

	history, err := svc.History(ctx, "order-1")
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Equal(t, 3, audit.countByAction("order_printed"))
}

func TestRecordActionNonPrintLeavesCounter(t *testing.T) {
	svc, orders, _ := newOrderServiceForTest(t)
	ctx := context.Background()
	seedOrder(t, orders, "order-1")

	note := "courier picked up"
	_, err := svc.RecordAction(ctx, "order-1", "sent", &note, identity.Actor{ID: "clerk-1"})
	require.NoError(t, err)

	order, err := svc.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 0, order.PrintCount)

	history, err := svc.History(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].Comment)
	assert.Equal(t, note, *history[0].Comment)
}

func TestRecordActionRejectsUnknownAction(t *testing.T) {
	svc, orders, _ := newOrderServiceForTest(t)
	seedOrder(t, orders, "order-1")

	_, err := svc.RecordAction(context.Background(), "order-1", "shredded", nil, identity.Actor{ID: "clerk-1"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestRecordActionUnknownOrder(t *testing.T) {
	svc, _, _ := newOrderServiceForTest(t)

	_, err := svc.RecordAction(context.Background(), "no-such-order", "printed", nil, identity.Actor{ID: "clerk-1"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}
