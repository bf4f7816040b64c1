package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexure-intelligence/studio-payments/internal/models"
	"github.com/lexure-intelligence/studio-payments/internal/testutil"
)

func TestApplyPaymentDetail(t *testing.T) {
	ctx := context.Background()

	t.Run("Approval Writes Processor Fields And Payment Date", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		tx := seedTransaction(t, db, "studio-a", 100, withReference("ref-1"))
		detail := approvedDetail("123", "ana@x.com", "ref-1", 100)

		change, err := ApplyPaymentDetail(ctx, db, tx, detail, false)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPending, change.PreviousStatus)
		assert.Equal(t, models.PaymentStatusApproved, change.Status)
		assert.True(t, change.BecameApproved)

		stored := reloadTransaction(t, db, tx.ID)
		assert.Equal(t, "123", stored.ProcessorID())
		assert.Equal(t, models.PaymentStatusApproved, stored.Status)
		assert.Equal(t, "pix", stored.PaymentMethod)
		require.NotNil(t, stored.PaymentDate)
		assert.True(t, stored.PaymentDate.Equal(*detail.DateApproved))
		assert.JSONEq(t, string(detail.Raw), string(stored.WebhookData))

		assert.Equal(t, models.PaymentStatusApproved, tx.Status, "the in-memory row follows the update")
	})

	t.Run("Reapplying The Same Detail Is Idempotent", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		tx := seedTransaction(t, db, "studio-a", 100)
		detail := approvedDetail("123", "ana@x.com", "", 100)

		_, err := ApplyPaymentDetail(ctx, db, tx, detail, false)
		require.NoError(t, err)
		first := reloadTransaction(t, db, tx.ID)

		change, err := ApplyPaymentDetail(ctx, db, tx, detail, false)
		require.NoError(t, err)
		assert.False(t, change.BecameApproved)
		assert.Equal(t, models.PaymentStatusApproved, change.PreviousStatus)

		second := reloadTransaction(t, db, tx.ID)
		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.ProcessorID(), second.ProcessorID())
		assert.True(t, first.PaymentDate.Equal(*second.PaymentDate))
		assert.Equal(t, string(first.WebhookData), string(second.WebhookData))
	})

	t.Run("Non Approved Status Leaves Payment Date Alone", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		tx := seedTransaction(t, db, "studio-a", 100)
		detail := pendingDetail("123", "ana@x.com", "", 100)
		detail.Status = models.PaymentStatusRejected

		change, err := ApplyPaymentDetail(ctx, db, tx, detail, false)
		require.NoError(t, err)
		assert.False(t, change.BecameApproved)

		stored := reloadTransaction(t, db, tx.ID)
		assert.Equal(t, models.PaymentStatusRejected, stored.Status)
		assert.Nil(t, stored.PaymentDate)
	})

	t.Run("Approved Without Approval Time Keeps Existing Date", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		tx := seedTransaction(t, db, "studio-a", 100)
		detail := approvedDetail("123", "ana@x.com", "", 100)
		detail.DateApproved = nil

		_, err := ApplyPaymentDetail(ctx, db, tx, detail, false)
		require.NoError(t, err)
		assert.Nil(t, reloadTransaction(t, db, tx.ID).PaymentDate)
	})

	t.Run("Created Rows Count As A Transition", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		tx := seedTransaction(t, db, "studio-a", 100, withStatus(models.PaymentStatusApproved))

		change, err := ApplyPaymentDetail(ctx, db, tx, approvedDetail("123", "ana@x.com", "", 100), true)
		require.NoError(t, err)
		assert.Equal(t, "", change.PreviousStatus)
		assert.True(t, change.BecameApproved)
	})

	t.Run("Missing Row Is An Error", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		ghost := &models.PaymentTransaction{ID: uuid.New(), Status: models.PaymentStatusPending}

		_, err := ApplyPaymentDetail(ctx, db, ghost, approvedDetail("123", "", "", 100), false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disappeared")
	})
}
