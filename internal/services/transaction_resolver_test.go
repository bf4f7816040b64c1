package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/studio-payments/internal/models"
	"github.com/lexure-intelligence/studio-payments/internal/testutil"
)

func TestTransactionResolver(t *testing.T) {
	logger := testutil.NewTestLogger(t)
	ctx := context.Background()

	t.Run("Processor Payment ID Takes Priority", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		byID := seedTransaction(t, db, "studio-a", 100, withProcessorID("123"))
		seedTransaction(t, db, "studio-a", 100, withReference("ref-1"))
		seedTransaction(t, db, "studio-a", 100, withEmail("ana@x.com"))

		resolution, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", approvedDetail("123", "ana@x.com", "ref-1", 100))
		require.NoError(t, err)
		assert.Equal(t, byID.ID, resolution.Transaction.ID)
		assert.Equal(t, StrategyProcessorPaymentID, resolution.Strategy)
		assert.False(t, resolution.Created)
	})

	t.Run("External Reference Before Heuristic", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		byRef := seedTransaction(t, db, "studio-a", 100, withReference("ref-1"))
		seedTransaction(t, db, "studio-a", 100, withEmail("ana@x.com"))

		resolution, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", approvedDetail("123", "ana@x.com", "ref-1", 100))
		require.NoError(t, err)
		assert.Equal(t, byRef.ID, resolution.Transaction.ID)
		assert.Equal(t, StrategyExternalReference, resolution.Strategy)
	})

	t.Run("Email And Amount Matches A Single Pending Transaction", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		pending := seedTransaction(t, db, "studio-a", 150, withEmail("ana@x.com"))

		resolution, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", approvedDetail("456", "ana@x.com", "", 150))
		require.NoError(t, err)
		assert.Equal(t, pending.ID, resolution.Transaction.ID)
		assert.Equal(t, StrategyEmailAmount, resolution.Strategy)
	})

	t.Run("Email And Amount Ignores Letter Case", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		lower := seedTransaction(t, db, "studio-a", 500, withEmail("ana@b.com"))

		resolution, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", approvedDetail("555", "Ana@B.com", "", 500))
		require.NoError(t, err)
		assert.Equal(t, lower.ID, resolution.Transaction.ID)
		assert.Equal(t, StrategyEmailAmount, resolution.Strategy)
		assert.False(t, resolution.Created)
		assert.Equal(t, int64(1), countTransactions(t, db))
	})

	t.Run("Email And Amount Matches Stored Mixed Case Email", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		mixed := seedTransaction(t, db, "studio-a", 500, withEmail("Ana@B.com"))

		resolution, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", approvedDetail("555", "ana@b.com", "", 500))
		require.NoError(t, err)
		assert.Equal(t, mixed.ID, resolution.Transaction.ID)
	})

	t.Run("Email And Amount Picks The Most Recent Pending Transaction", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		seedTransaction(t, db, "studio-a", 150, withEmail("ana@x.com"), createdAt(time.Now().Add(-2*time.Hour)))
		recent := seedTransaction(t, db, "studio-a", 150, withEmail("ana@x.com"), createdAt(time.Now().Add(-time.Hour)))

		resolution, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", approvedDetail("456", "ana@x.com", "", 150))
		require.NoError(t, err)
		assert.Equal(t, recent.ID, resolution.Transaction.ID)
	})

	t.Run("Email And Amount Compares Decimal Values", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		pending := seedTransaction(t, db, "studio-a", 0, withEmail("ana@x.com"))
		require.NoError(t, db.Model(pending).Update("amount", decimal.RequireFromString("99.90")).Error)

		detail := pendingDetail("456", "ana@x.com", "", 0)
		detail.TransactionAmount = decimal.RequireFromString("99.9")

		resolution, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", detail)
		require.NoError(t, err)
		assert.Equal(t, pending.ID, resolution.Transaction.ID)
	})

	t.Run("Heuristic Ignores Mismatched Amount, Status And Tenant", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		seedTransaction(t, db, "studio-a", 200, withEmail("ana@x.com"))
		seedTransaction(t, db, "studio-a", 150, withEmail("ana@x.com"), withStatus(models.PaymentStatusRejected))
		seedTransaction(t, db, "studio-b", 150, withEmail("ana@x.com"))

		_, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", pendingDetail("456", "ana@x.com", "", 150))
		var unresolved *UnresolvedTransactionError
		require.ErrorAs(t, err, &unresolved)
		assert.Equal(t, "456", unresolved.PaymentID)
		assert.Equal(t, models.PaymentStatusPending, unresolved.Status)
		assert.Equal(t, "ana@x.com", unresolved.PayerEmail)
		assert.Equal(t, int64(3), countTransactions(t, db))
	})

	t.Run("Approved Payment Without Match Creates A Transaction", func(t *testing.T) {
		db := testutil.NewTestDB(t)
		student := seedStudent(t, db, "studio-a", "Ana Souza", "(11) 98765-4321", "Ana@X.com")
		seedStudent(t, db, "studio-b", "Ana Other", "11911112222", "ana@x.com")

		resolution, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", approvedDetail("789", "ana@x.com", "", 100))
		require.NoError(t, err)
		assert.True(t, resolution.Created)
		assert.Equal(t, StrategyCreated, resolution.Strategy)

		stored := reloadTransaction(t, db, resolution.Transaction.ID)
		assert.Equal(t, "studio-a", stored.TenantID)
		assert.Equal(t, "789", stored.ProcessorID())
		assert.Equal(t, models.PaymentStatusApproved, stored.Status)
		assert.Equal(t, "pix", stored.PaymentMethod)
		assert.True(t, stored.Amount.Equal(decimal.NewFromInt(100)))
		require.NotNil(t, stored.PaymentDate)
		assert.Equal(t, true, stored.Metadata["created_by_webhook"])
		assert.Equal(t, "789", stored.Metadata["payment_id"])
		assert.Contains(t, string(stored.WebhookData), "first_six_digits")
		require.NotNil(t, stored.StudentID)
		assert.Equal(t, student.ID, *stored.StudentID)
	})

	t.Run("Created Transaction Without Student Has No Link", func(t *testing.T) {
		db := testutil.NewTestDB(t)

		resolution, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", approvedDetail("789", "nobody@x.com", "", 100))
		require.NoError(t, err)
		assert.Nil(t, resolution.Transaction.StudentID)
	})

	t.Run("Pending Payment Without Match Is Not Created", func(t *testing.T) {
		db := testutil.NewTestDB(t)

		_, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", pendingDetail("789", "ana@x.com", "", 100))
		var unresolved *UnresolvedTransactionError
		require.ErrorAs(t, err, &unresolved)
		assert.Equal(t, int64(0), countTransactions(t, db))
	})

	t.Run("Approved Payment Without Email Is Not Created", func(t *testing.T) {
		db := testutil.NewTestDB(t)

		_, err := NewTransactionResolver(db, logger).Resolve(ctx, "studio-a", approvedDetail("789", "", "", 100))
		var unresolved *UnresolvedTransactionError
		require.ErrorAs(t, err, &unresolved)
		assert.Contains(t, unresolved.Error(), "payment 789")
		assert.Equal(t, int64(0), countTransactions(t, db))
	})
}

// onPaymentInsert runs fn before every payment_transactions insert issued through db.
func onPaymentInsert(t *testing.T, db *gorm.DB, name string, fn func()) {
	t.Helper()
	err := db.Callback().Create().Before("gorm:create").Register(name, func(tx *gorm.DB) {
		if tx.Statement.Table == "payment_transactions" {
			fn()
		}
	})
	require.NoError(t, err)
}

func TestTransactionResolverCreateLosesRace(t *testing.T) {
	db := testutil.NewTestDB(t)
	resolver := NewTransactionResolver(db, testutil.NewTestLogger(t))

	var competitor *models.PaymentTransaction
	var inserted atomic.Bool
	onPaymentInsert(t, db, "test:competing_delivery", func() {
		if inserted.Swap(true) {
			return
		}
		competitor = &models.PaymentTransaction{TenantID: "studio-a", Amount: decimal.NewFromInt(100), Status: models.PaymentStatusApproved}
		paymentID := "789"
		competitor.ProcessorPaymentID = &paymentID
		require.NoError(t, db.Create(competitor).Error)
	})

	resolution, err := resolver.Resolve(context.Background(), "studio-a", approvedDetail("789", "ana@x.com", "", 100))
	require.NoError(t, err)
	require.NotNil(t, competitor)
	assert.Equal(t, competitor.ID, resolution.Transaction.ID)
	assert.Equal(t, StrategyProcessorPaymentID, resolution.Strategy)
	assert.False(t, resolution.Created)
	assert.Equal(t, int64(1), countTransactions(t, db))
}

func TestTransactionResolverConcurrentCreate(t *testing.T) {
	db := testutil.NewTestDB(t)
	resolver := NewTransactionResolver(db, testutil.NewTestLogger(t))

	// both deliveries finish their lookups before either inserts
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()
	var waiting atomic.Int32
	onPaymentInsert(t, db, "test:barrier", func() {
		if waiting.Add(1) > 2 {
			return
		}
		arrived.Done()
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
	})

	results := make([]*Resolution, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := resolver.Resolve(context.Background(), "studio-a", approvedDetail("789", "ana@x.com", "", 100))
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), countTransactions(t, db))
	created := 0
	var stored models.PaymentTransaction
	require.NoError(t, db.First(&stored).Error)
	for _, res := range results {
		if res == nil {
			continue
		}
		if res.Created {
			created++
		}
		assert.Equal(t, stored.ID, res.Transaction.ID)
	}
	assert.Equal(t, 1, created)
}

func TestTransactionResolverQueryError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT \* FROM "payment_transactions"`).WillReturnError(errors.New("connection reset"))

	resolver := NewTransactionResolver(db, testutil.NewTestLogger(t))
	resolution, err := resolver.Resolve(context.Background(), "studio-a", approvedDetail("123", "ana@x.com", "", 100))
	assert.Nil(t, resolution)
	require.Error(t, err)

	var unresolved *UnresolvedTransactionError
	assert.False(t, errors.As(err, &unresolved))
	assert.Contains(t, err.Error(), StrategyProcessorPaymentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetailDocument(t *testing.T) {
	detail := approvedDetail("1", "a@x.com", "", 10)
	assert.JSONEq(t, string(detail.Raw), string(detailDocument(detail)))

	detail.Raw = nil
	doc := detailDocument(detail)
	assert.Contains(t, string(doc), `"id":"1"`)
	assert.Contains(t, string(doc), `"status":"approved"`)
}
