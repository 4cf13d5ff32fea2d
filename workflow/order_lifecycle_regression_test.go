package workflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/models"
	"bitbucket.org/mmdatafocus/shop_backend/payments"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Covers the full money/stock/status lifecycle against real MySQL + Redis:
// webhook confirms the pending order and decrements stock exactly once, a
// replay is a no-op apart from the audit event, the refund transition
// restocks, and the reservation sweep cancels stale pending orders.
func TestOrderLifecycleReconciliation(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "shop_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	logger := logrus.New()

	// Seed catalog: one variant, 10 on hand, 20% tax.
	country := models.Country{Code: "FR", Name: "France"}
	if err := db.WithContext(ctx).Create(&country).Error; err != nil {
		t.Fatalf("seed country: %v", err)
	}
	taxRate := models.TaxRate{Name: "TVA 20%", Percent: decimal.RequireFromString("20")}
	if err := db.WithContext(ctx).Create(&taxRate).Error; err != nil {
		t.Fatalf("seed tax rate: %v", err)
	}
	active := true
	product := models.Product{Name: "Amouage Reflection", TaxRateId: taxRate.ID, IsActive: &active}
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	variant := models.ProductVariant{
		ProductId: product.ID,
		Sku:       "AMO-REF-50",
		Label:     "50ml",
		PriceHt:   decimal.RequireFromString("19.99"),
		Quantity:  decimal.RequireFromString("10"),
	}
	if err := db.WithContext(ctx).Create(&variant).Error; err != nil {
		t.Fatalf("seed variant: %v", err)
	}

	// Gateway credentials for signature verification.
	enabled := true
	sandbox := true
	gateway := models.PaymentGatewayConfig{
		Provider:      "stripe",
		Enabled:       &enabled,
		ApiKey:        "sk_test_123",
		WebhookSecret: "whsec_test",
		Sandbox:       &sandbox,
	}
	if err := db.WithContext(ctx).Create(&gateway).Error; err != nil {
		t.Fatalf("seed gateway config: %v", err)
	}
	registry := payments.NewRegistry(payments.NewCredentialCache())

	// Pending order for 2 units with its checkout soft-hold, as checkout
	// leaves it before the webhook arrives.
	order := seedPendingOrder(t, ctx, &variant, taxRate.Percent)

	var seeded models.ProductVariant
	if err := db.WithContext(ctx).First(&seeded, variant.ID).Error; err != nil {
		t.Fatalf("reload variant: %v", err)
	}
	if seeded.Reserved.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("expected reserved=2 after checkout, got %s", seeded.Reserved)
	}

	// 1) Verified completion webhook: payment completed, order confirmed,
	// stock decremented, reservation released — one transaction.
	payload := []byte(fmt.Sprintf(
		`{"type":"checkout.session.completed","data":{"object":{"id":"cs_test_1","payment_intent":"pi_test_1","amount_total":4798,"metadata":{"order_id":"%d"}}}}`,
		order.ID))
	header := stripeSignatureFor(payload, "whsec_test", time.Now())

	result, err := ReconcileWebhook(ctx, registry, "stripe", payload, header)
	if err != nil {
		t.Fatalf("ReconcileWebhook: %v", err)
	}
	if result.Outcome != ReconcileOutcomeApplied || !result.OrderTransitioned {
		t.Fatalf("expected applied+transitioned, got %+v", result)
	}

	assertOrderStatus(t, ctx, order.ID, models.OrderStatusConfirmed)
	assertVariantCounters(t, ctx, variant.ID, "8", "0")
	assertStockMoveCount(t, ctx, order.OrderNumber, models.StockMoveTypeSale, 1)

	payment, err := models.GetPaymentByOrderId(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetPaymentByOrderId: %v", err)
	}
	if payment.Status != models.PaymentStatusCompleted {
		t.Fatalf("expected payment completed, got %s", payment.Status)
	}
	if payment.ProviderTransactionId == nil || *payment.ProviderTransactionId != "pi_test_1" {
		t.Fatalf("expected provider transaction id pi_test_1, got %v", payment.ProviderTransactionId)
	}

	var outboxCount int64
	if err := db.WithContext(ctx).Model(&models.OrderEvent{}).
		Where("order_id = ? AND event_type = ?", order.ID, "confirmed").
		Count(&outboxCount).Error; err != nil {
		t.Fatalf("count order events: %v", err)
	}
	if outboxCount != 1 {
		t.Fatalf("expected 1 confirmed outbox event, got %d", outboxCount)
	}

	// 2) Replay of the identical payload: one more audit row, nothing else.
	replay, err := ReconcileWebhook(ctx, registry, "stripe", payload, stripeSignatureFor(payload, "whsec_test", time.Now()))
	if err != nil {
		t.Fatalf("ReconcileWebhook replay: %v", err)
	}
	if replay.Outcome != ReconcileOutcomeDuplicate {
		t.Fatalf("expected duplicate outcome, got %s", replay.Outcome)
	}
	assertVariantCounters(t, ctx, variant.ID, "8", "0")
	assertStockMoveCount(t, ctx, order.OrderNumber, models.StockMoveTypeSale, 1)
	eventCount, err := models.CountPaymentEvents(ctx, payment.ID)
	if err != nil {
		t.Fatalf("CountPaymentEvents: %v", err)
	}
	if eventCount != 2 {
		t.Fatalf("expected 2 payment events after replay, got %d", eventCount)
	}

	// 3) Forged payload is rejected with no state change.
	if _, err := ReconcileWebhook(ctx, registry, "stripe", payload, stripeSignatureFor(payload, "whsec_forged", time.Now())); err == nil {
		t.Fatal("expected signature verification failure")
	}
	assertStockMoveCount(t, ctx, order.OrderNumber, models.StockMoveTypeSale, 1)

	// 4) Forward fulfillment has no ledger effect; the admin refund branch
	// restocks via return moves.
	for _, to := range []models.OrderStatus{models.OrderStatusProcessing, models.OrderStatusShipped, models.OrderStatusDelivered} {
		tr, err := models.TransitionOrderStatus(ctx, order.ID, to)
		if err != nil || !tr.Applied {
			t.Fatalf("transition to %s: applied=%v err=%v", to, tr != nil && tr.Applied, err)
		}
	}
	assertVariantCounters(t, ctx, variant.ID, "8", "0")

	tr, err := models.TransitionOrderStatus(ctx, order.ID, models.OrderStatusRefunded)
	if err != nil || !tr.Applied {
		t.Fatalf("transition to refunded: %v", err)
	}
	assertVariantCounters(t, ctx, variant.ID, "10", "0")
	assertStockMoveCount(t, ctx, order.OrderNumber, models.StockMoveTypeReturn, 1)

	// 5) Reservation sweep: a stale pending order is cancelled and its hold
	// released without ever touching the quantity ledger.
	stale := seedPendingOrder(t, ctx, &variant, taxRate.Percent)
	t.Setenv("CHECKOUT_RESERVATION_TTL_MINUTES", "1")
	backdated := time.Now().UTC().Add(-5 * time.Minute)
	if err := db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", stale.ID).
		Update("created_at", backdated).Error; err != nil {
		t.Fatalf("backdate stale order: %v", err)
	}

	sweep := NewReservationSweep(db, logger)
	sweep.sweepOnce(ctx)

	assertOrderStatus(t, ctx, stale.ID, models.OrderStatusCancelled)
	assertVariantCounters(t, ctx, variant.ID, "10", "0")
	assertStockMoveCount(t, ctx, stale.OrderNumber, models.StockMoveTypeSale, 0)

	// 6) Late completion on the swept order: the charge lands on the payment
	// but the cancelled order is not confirmed and no sale move fires.
	latePayload := []byte(fmt.Sprintf(
		`{"type":"checkout.session.completed","data":{"object":{"id":"cs_test_late","payment_intent":"pi_test_late","amount_total":4798,"metadata":{"order_id":"%d"}}}}`,
		stale.ID))
	late, err := ReconcileWebhook(ctx, registry, "stripe", latePayload, stripeSignatureFor(latePayload, "whsec_test", time.Now()))
	if err != nil {
		t.Fatalf("ReconcileWebhook late completion: %v", err)
	}
	if late.Outcome != ReconcileOutcomeApplied || late.OrderTransitioned {
		t.Fatalf("expected applied without transition, got %+v", late)
	}

	assertOrderStatus(t, ctx, stale.ID, models.OrderStatusCancelled)
	assertVariantCounters(t, ctx, variant.ID, "10", "0")
	assertStockMoveCount(t, ctx, stale.OrderNumber, models.StockMoveTypeSale, 0)

	stalePayment, err := models.GetPaymentByOrderId(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetPaymentByOrderId stale: %v", err)
	}
	if stalePayment.Status != models.PaymentStatusCompleted {
		t.Fatalf("expected stale payment completed, got %s", stalePayment.Status)
	}
}

func seedPendingOrder(t *testing.T, ctx context.Context, variant *models.ProductVariant, taxPercent decimal.Decimal) *models.Order {
	t.Helper()
	db := config.GetDB()
	tx := db.Begin()

	year := time.Now().UTC().Year()
	seq, err := models.NextOrderSequence(tx.WithContext(ctx), year)
	if err != nil {
		tx.Rollback()
		t.Fatalf("NextOrderSequence: %v", err)
	}

	variantId := variant.ID
	item := models.OrderItem{
		VariantId:      &variantId,
		Label:          "Amouage Reflection - 50ml",
		Qty:            decimal.NewFromInt(2),
		UnitPriceHt:    variant.PriceHt,
		TaxRatePercent: taxPercent,
	}
	item.CalculateLineTotals()

	reserved := true
	order := models.Order{
		CustomerId:  1,
		OrderNumber: models.FormatOrderNumber("ORD", year, seq),
		OrderYear:   year,
		SequenceNo:  seq,
		Status:      models.OrderStatusPending,
		ShippingAddress: models.OrderAddress{
			Street: "1 rue de la Paix", City: "Paris", Zip: "75002",
			CountryCode: "FR", CountryName: "France",
		},
		BillingAddress: models.OrderAddress{
			Street: "1 rue de la Paix", City: "Paris", Zip: "75002",
			CountryCode: "FR", CountryName: "France",
		},
		SubtotalHt:    item.TotalHt,
		TotalHt:       item.TotalHt,
		TotalTax:      item.TotalTax,
		TotalTtc:      item.TotalHt.Add(item.TotalTax),
		StockReserved: &reserved,
		Items:         []models.OrderItem{item},
	}
	if err := tx.WithContext(ctx).Create(&order).Error; err != nil {
		tx.Rollback()
		t.Fatalf("create order: %v", err)
	}
	if err := models.AdjustVariantReservation(tx.WithContext(ctx), variant.ID, item.Qty); err != nil {
		tx.Rollback()
		t.Fatalf("reserve stock: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit seed order: %v", err)
	}

	payment := models.Payment{
		OrderId:           order.ID,
		Provider:          "stripe",
		Status:            models.PaymentStatusPending,
		Amount:            order.TotalTtc,
		Currency:          "EUR",
		ProviderSessionId: fmt.Sprintf("cs_seed_%d", order.ID),
	}
	if err := db.WithContext(ctx).Create(&payment).Error; err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return &order
}

func assertOrderStatus(t *testing.T, ctx context.Context, orderId int, want models.OrderStatus) {
	t.Helper()
	order, err := models.GetOrder(ctx, orderId)
	if err != nil {
		t.Fatalf("GetOrder(%d): %v", orderId, err)
	}
	if order.Status != want {
		t.Fatalf("order %d status = %s, want %s", orderId, order.Status, want)
	}
}

func assertVariantCounters(t *testing.T, ctx context.Context, variantId int, wantQty, wantReserved string) {
	t.Helper()
	variant, err := models.GetProductVariant(ctx, variantId)
	if err != nil {
		t.Fatalf("GetProductVariant(%d): %v", variantId, err)
	}
	if variant.Quantity.Cmp(decimal.RequireFromString(wantQty)) != 0 {
		t.Fatalf("variant %d quantity = %s, want %s", variantId, variant.Quantity, wantQty)
	}
	if variant.Reserved.Cmp(decimal.RequireFromString(wantReserved)) != 0 {
		t.Fatalf("variant %d reserved = %s, want %s", variantId, variant.Reserved, wantReserved)
	}
}

func assertStockMoveCount(t *testing.T, ctx context.Context, reference string, moveType models.StockMoveType, want int) {
	t.Helper()
	moves, err := models.GetStockMovesByReference(ctx, reference)
	if err != nil {
		t.Fatalf("GetStockMovesByReference(%s): %v", reference, err)
	}
	got := 0
	for _, m := range moves {
		if m.MoveType == moveType {
			got++
		}
	}
	if got != want {
		t.Fatalf("reference %s: %s moves = %d, want %d", reference, moveType, got, want)
	}
}

func stripeSignatureFor(payload []byte, secret string, ts time.Time) string {
	tsStr := fmt.Sprintf("%d", ts.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tsStr))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", tsStr, hex.EncodeToString(mac.Sum(nil)))
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("shop-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("shop-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=shop_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
