package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/store/memory"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, repo store.Repository) *Service {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return New(repo,
		WithClock(func() time.Time { return testNow }),
		WithPhoneRegion("US"),
		WithLogger(logger),
	)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "user-admin", Name: "Ada", Role: domain.RoleAdmin})
}

func staffCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "user-staff", Name: "Bayo", Role: domain.RoleStaff})
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mustItem(t *testing.T, svc *Service, name string, price string, stock int, category string) domain.InventoryItem {
	t.Helper()
	item, err := svc.CreateItem(adminCtx(), ItemInput{
		Name:         name,
		CostPrice:    d(price).Div(d("2")),
		SellingPrice: d(price),
		Stock:        stock,
		Category:     category,
	})
	if err != nil {
		t.Fatalf("create item %s: %v", name, err)
	}
	return item
}

func TestTrackerStampsEveryWrite(t *testing.T) {
	repo := memory.New()
	svc := newTestService(t, repo)
	ctx := adminCtx()

	item := mustItem(t, svc, "Rice", "500", 3, "Food")
	if item.Synced {
		t.Fatalf("expected new item to be unsynced")
	}
	if item.LastUpdated.IsZero() {
		t.Fatalf("expected lastUpdated to be stamped")
	}

	if _, err := repo.MarkSynced(ctx, domain.CollectionInventory, item.UUID, item.LastUpdated); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	name := "Jasmine Rice"
	updated, err := svc.UpdateItem(ctx, item.UUID, ItemUpdate{Name: &name})
	if err != nil {
		t.Fatalf("update item: %v", err)
	}
	if updated.Synced {
		t.Fatalf("expected edit to clear synced")
	}
	if !updated.LastUpdated.After(item.LastUpdated) {
		t.Fatalf("expected lastUpdated to advance even with a frozen clock: %s <= %s", updated.LastUpdated, item.LastUpdated)
	}
}

func TestRenameCategoryCascadesToItems(t *testing.T) {
	repo := memory.New()
	svc := newTestService(t, repo)
	ctx := adminCtx()

	drinks, err := svc.CreateCategory(ctx, "Drinks", "")
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	mustItem(t, svc, "Cola", "300", 5, "Drinks")
	mustItem(t, svc, "Juice", "450", 5, "Drinks")
	mustItem(t, svc, "Bread", "200", 5, "Bakery")

	renamed, moved, err := svc.RenameCategory(ctx, drinks.UUID, "Beverages")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Name != "Beverages" || moved != 2 {
		t.Fatalf("unexpected rename result name=%s moved=%d", renamed.Name, moved)
	}

	items, err := svc.ListItems(ctx)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	for _, item := range items {
		if item.Category == "Drinks" {
			t.Fatalf("item %s still references the old category", item.Name)
		}
	}
	old, _ := repo.Count(ctx, domain.CollectionInventory, store.Query{Field: "category", Equals: "Beverages"})
	if old != 2 {
		t.Fatalf("expected 2 items in Beverages, got %d", old)
	}
}

// crashingRepo fails the nth inventory write inside a transaction, standing in
// for a process crash between item updates.
type crashingRepo struct {
	*memory.Store
	failAt int
}

var errCrash = errors.New("simulated crash")

func (r *crashingRepo) RunInTx(ctx context.Context, fn func(tx store.Records) error) error {
	return r.Store.RunInTx(ctx, func(tx store.Records) error {
		return fn(&crashingTx{Records: tx, left: r.failAt})
	})
}

type crashingTx struct {
	store.Records
	left int
}

func (t *crashingTx) Put(ctx context.Context, row store.Row) error {
	if row.Collection == domain.CollectionInventory {
		if t.left == 0 {
			return errCrash
		}
		t.left--
	}
	return t.Records.Put(ctx, row)
}

func TestRenameCategoryIsAtomicUnderCrash(t *testing.T) {
	base := memory.New()
	setup := newTestService(t, base)
	ctx := adminCtx()

	drinks, err := setup.CreateCategory(ctx, "Drinks", "")
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	for _, name := range []string{"Cola", "Juice", "Water"} {
		mustItem(t, setup, name, "100", 1, "Drinks")
	}

	svc := newTestService(t, &crashingRepo{Store: base, failAt: 1})
	_, _, err = svc.RenameCategory(ctx, drinks.UUID, "Beverages")
	if !errors.Is(err, errCrash) {
		t.Fatalf("expected simulated crash, got %v", err)
	}

	n, err := base.Count(ctx, domain.CollectionInventory, store.Query{Field: "category", Equals: "Drinks"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected all 3 items untouched after crash, got %d", n)
	}
	var category domain.Category
	if err := store.Load(ctx, base, domain.CollectionCategories, drinks.UUID, &category); err != nil {
		t.Fatalf("load category: %v", err)
	}
	if category.Name != "Drinks" {
		t.Fatalf("expected category name to survive crash, got %s", category.Name)
	}
}

func TestRenameCategoryRejectsDuplicateName(t *testing.T) {
	svc := newTestService(t, memory.New())
	ctx := adminCtx()
	a, _ := svc.CreateCategory(ctx, "Snacks", "")
	if _, err := svc.CreateCategory(ctx, "Drinks", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.RenameCategory(ctx, a.UUID, "drinks"); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
	if _, err := svc.CreateCategory(ctx, "SNACKS", ""); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestDeleteCategoryInUse(t *testing.T) {
	svc := newTestService(t, memory.New())
	ctx := adminCtx()
	c, _ := svc.CreateCategory(ctx, "Drinks", "")
	item := mustItem(t, svc, "Cola", "100", 1, "Drinks")

	if err := svc.DeleteCategory(ctx, c.UUID); !errors.Is(err, ErrCategoryInUse) {
		t.Fatalf("expected category in use, got %v", err)
	}
	if err := svc.DeleteItem(ctx, item.UUID); err != nil {
		t.Fatalf("delete item: %v", err)
	}
	if err := svc.DeleteCategory(ctx, c.UUID); err != nil {
		t.Fatalf("delete category: %v", err)
	}
	if err := svc.DeleteCategory(staffCtx(), c.UUID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected staff to be forbidden, got %v", err)
	}
}

func TestSaleKeepsPriceSnapshot(t *testing.T) {
	svc := newTestService(t, memory.New())
	ctx := staffCtx()
	item := mustItem(t, svc, "Milk", "500", 10, "Dairy")

	res, err := svc.RecordSale(ctx, SaleRequest{
		Lines:    []SaleLine{{ItemID: item.UUID, Quantity: 2}},
		CashPaid: d("1000"),
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}

	price := d("700")
	if _, err := svc.UpdateItem(adminCtx(), item.UUID, ItemUpdate{SellingPrice: &price}); err != nil {
		t.Fatalf("update price: %v", err)
	}

	sale, err := svc.GetSale(ctx, res.Sale.UUID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if !sale.Items[0].Price.Equal(d("500")) {
		t.Fatalf("expected frozen price 500, got %s", sale.Items[0].Price)
	}
	if !sale.Total.Equal(d("1000")) {
		t.Fatalf("expected total 1000, got %s", sale.Total)
	}
	if sale.StaffName != "Bayo" || sale.StaffID != "user-staff" {
		t.Fatalf("unexpected staff on sale: %s/%s", sale.StaffID, sale.StaffName)
	}

	stocked, _ := svc.GetItem(ctx, item.UUID)
	if stocked.Stock != 8 {
		t.Fatalf("expected stock 8, got %d", stocked.Stock)
	}
	logs, err := svc.StockLogs(ctx, item.UUID)
	if err != nil {
		t.Fatalf("stock logs: %v", err)
	}
	last := logs[len(logs)-1]
	if last.Type != domain.StockLogSalesDeduction || last.QuantityChanged != -2 || last.NewStock != 8 {
		t.Fatalf("unexpected stock log %+v", last)
	}
}

func TestUnderpaidSaleCreatesOneDebt(t *testing.T) {
	repo := memory.New()
	svc := newTestService(t, repo)
	ctx := staffCtx()
	item := mustItem(t, svc, "Oil", "1000", 4, "Kitchen")

	res, err := svc.RecordSale(ctx, SaleRequest{
		Lines:    []SaleLine{{ItemID: item.UUID, Quantity: 1}},
		CashPaid: d("600"),
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if res.Sale.PaymentMethod != domain.PaymentPartial {
		t.Fatalf("expected Partial payment, got %s", res.Sale.PaymentMethod)
	}

	debts, err := svc.ListDebts(ctx, "")
	if err != nil {
		t.Fatalf("list debts: %v", err)
	}
	if len(debts) != 1 {
		t.Fatalf("expected exactly one debt, got %d", len(debts))
	}
	debt := debts[0]
	if !debt.RemainingBalance.Equal(d("400")) || debt.Status != domain.DebtStatusUnpaid {
		t.Fatalf("unexpected debt %+v", debt)
	}
	if debt.CustomerName != domain.WalkInCustomer || debt.SaleID != res.Sale.UUID {
		t.Fatalf("unexpected debt attribution %+v", debt)
	}
	if debt.Synced {
		t.Fatalf("expected debt to be pending push")
	}
}

func TestFullyPaidSaleCreatesNoDebt(t *testing.T) {
	svc := newTestService(t, memory.New())
	item := mustItem(t, svc, "Salt", "150", 4, "Kitchen")
	res, err := svc.RecordSale(staffCtx(), SaleRequest{
		Lines:    []SaleLine{{ItemID: item.UUID, Quantity: 1}, {ItemID: item.UUID, Quantity: 1}},
		CashPaid: d("500"),
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if res.Debt != nil {
		t.Fatalf("expected no debt")
	}
	if len(res.Sale.Items) != 1 || res.Sale.Items[0].Quantity != 2 {
		t.Fatalf("expected merged line, got %+v", res.Sale.Items)
	}
	if !res.Change.Equal(d("200")) {
		t.Fatalf("expected change 200, got %s", res.Change)
	}
}

func TestWalletSaleDebitsAndSavesChange(t *testing.T) {
	svc := newTestService(t, memory.New())
	ctx := staffCtx()
	item := mustItem(t, svc, "Soap", "300", 10, "Home")

	if _, err := svc.UpsertCustomer(ctx, "Chi", "(650) 253-0000"); err != nil {
		t.Fatalf("upsert customer: %v", err)
	}
	if _, err := svc.TopUpWallet(ctx, "+1 650 253 0000", d("250")); err != nil {
		t.Fatalf("top up: %v", err)
	}

	res, err := svc.RecordSale(ctx, SaleRequest{
		Lines:         []SaleLine{{ItemID: item.UUID, Quantity: 2}},
		WalletUsed:    d("200"),
		CashPaid:      d("500"),
		SaveChange:    true,
		CustomerPhone: "650-253-0000",
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if !res.Sale.WalletSaved.Equal(d("100")) || !res.Change.IsZero() {
		t.Fatalf("expected change saved to wallet, got saved=%s change=%s", res.Sale.WalletSaved, res.Change)
	}
	customer, err := svc.FindCustomerByPhone(ctx, "+16502530000")
	if err != nil {
		t.Fatalf("find customer: %v", err)
	}
	// 250 - 200 used + 100 saved
	if !customer.WalletBalance.Equal(d("150")) {
		t.Fatalf("expected wallet 150, got %s", customer.WalletBalance)
	}
	if customer.LastTransaction == nil {
		t.Fatalf("expected lastTransaction to be set")
	}
}

func TestInsufficientWalletWritesNothing(t *testing.T) {
	repo := memory.New()
	svc := newTestService(t, repo)
	ctx := staffCtx()
	item := mustItem(t, svc, "Soap", "300", 10, "Home")
	if _, err := svc.UpsertCustomer(ctx, "Chi", "6502530000"); err != nil {
		t.Fatalf("upsert customer: %v", err)
	}

	_, err := svc.RecordSale(ctx, SaleRequest{
		Lines:         []SaleLine{{ItemID: item.UUID, Quantity: 1}},
		WalletUsed:    d("100"),
		CustomerPhone: "6502530000",
	})
	if !errors.Is(err, ErrInsufficientWallet) {
		t.Fatalf("expected insufficient wallet, got %v", err)
	}
	if n, _ := repo.Count(ctx, domain.CollectionSales, store.Query{}); n != 0 {
		t.Fatalf("expected no sale written, got %d", n)
	}
	stocked, _ := svc.GetItem(ctx, item.UUID)
	if stocked.Stock != 10 {
		t.Fatalf("expected stock untouched, got %d", stocked.Stock)
	}
}

func TestVoidSaleReversesStockAndDebt(t *testing.T) {
	svc := newTestService(t, memory.New())
	item := mustItem(t, svc, "Tea", "200", 5, "Drinks")
	res, err := svc.RecordSale(staffCtx(), SaleRequest{
		Lines: []SaleLine{{ItemID: item.UUID, Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if res.Sale.PaymentMethod != domain.PaymentDebt || res.Debt == nil {
		t.Fatalf("expected a debt sale, got %s", res.Sale.PaymentMethod)
	}

	if _, err := svc.VoidSale(staffCtx(), res.Sale.UUID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected staff void to be forbidden, got %v", err)
	}
	voided, err := svc.VoidSale(adminCtx(), res.Sale.UUID)
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.Status != domain.SaleStatusVoided || voided.VoidedAt == nil {
		t.Fatalf("unexpected voided sale %+v", voided)
	}
	stocked, _ := svc.GetItem(context.Background(), item.UUID)
	if stocked.Stock != 5 {
		t.Fatalf("expected stock restored to 5, got %d", stocked.Stock)
	}
	debts, _ := svc.ListDebts(context.Background(), domain.DebtStatusUnpaid)
	if len(debts) != 0 {
		t.Fatalf("expected sale debt removed, got %d", len(debts))
	}
	if _, err := svc.VoidSale(adminCtx(), res.Sale.UUID); !errors.Is(err, ErrAlreadyVoided) {
		t.Fatalf("expected already voided, got %v", err)
	}
}

func TestSaleAllowsOversell(t *testing.T) {
	svc := newTestService(t, memory.New())
	item := mustItem(t, svc, "Bread", "100", 1, "Bakery")
	if _, err := svc.RecordSale(staffCtx(), SaleRequest{
		Lines:    []SaleLine{{ItemID: item.UUID, Quantity: 3}},
		CashPaid: d("300"),
	}); err != nil {
		t.Fatalf("record sale: %v", err)
	}
	stocked, _ := svc.GetItem(context.Background(), item.UUID)
	if stocked.Stock != -2 {
		t.Fatalf("expected negative stock -2, got %d", stocked.Stock)
	}
}

func TestCustomersCoalesceOnPhone(t *testing.T) {
	svc := newTestService(t, memory.New())
	ctx := staffCtx()
	a, err := svc.UpsertCustomer(ctx, "Ngozi", "(650) 253-0000")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	b, err := svc.UpsertCustomer(ctx, "Ngozi A.", "+1-650-253-0000")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if a.UUID != b.UUID {
		t.Fatalf("expected same customer, got %s and %s", a.UUID, b.UUID)
	}
	if b.Phone != "+16502530000" || b.Name != "Ngozi A." {
		t.Fatalf("unexpected coalesced customer %+v", b)
	}
	all, _ := svc.ListCustomers(ctx)
	if len(all) != 1 {
		t.Fatalf("expected one customer, got %d", len(all))
	}
	if _, err := svc.UpsertCustomer(ctx, "Bad", "12"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid phone, got %v", err)
	}
}

func TestDebtPayments(t *testing.T) {
	svc := newTestService(t, memory.New())
	ctx := staffCtx()
	debt, err := svc.CreateDebt(ctx, DebtInput{CustomerName: "Emeka", Amount: d("500"), Items: "Rice x1"})
	if err != nil {
		t.Fatalf("create debt: %v", err)
	}
	if _, err := svc.RecordDebtPayment(ctx, debt.UUID, d("600")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected overpayment rejected, got %v", err)
	}
	debt, err = svc.RecordDebtPayment(ctx, debt.UUID, d("200"))
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if debt.Status != domain.DebtStatusUnpaid || !debt.RemainingBalance.Equal(d("300")) {
		t.Fatalf("unexpected partial payment result %+v", debt)
	}
	debt, err = svc.RecordDebtPayment(ctx, debt.UUID, d("300"))
	if err != nil {
		t.Fatalf("pay rest: %v", err)
	}
	if debt.Status != domain.DebtStatusPaid {
		t.Fatalf("expected Paid, got %s", debt.Status)
	}
}

func TestUsersAndPINs(t *testing.T) {
	svc := newTestService(t, memory.New())

	if _, err := svc.CreateUser(context.Background(), "Bayo", "4829", domain.RoleStaff); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected first account to require admin, got %v", err)
	}
	admin, err := svc.CreateUser(context.Background(), "Ada", "4829", domain.RoleAdmin)
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if admin.PINHash == "4829" || admin.PINHash == "" {
		t.Fatalf("expected hashed pin")
	}
	if _, err := svc.CreateUser(context.Background(), "Bayo", "7351", domain.RoleStaff); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected second account to need an admin, got %v", err)
	}
	if _, err := svc.CreateUser(adminCtx(), "Bayo", "7351", domain.RoleStaff); err != nil {
		t.Fatalf("create staff: %v", err)
	}
	if _, err := svc.CreateUser(adminCtx(), "bayo", "7352", domain.RoleStaff); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected duplicate name, got %v", err)
	}

	user, err := svc.VerifyPIN(context.Background(), "bayo", "7351")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if user.Role != domain.RoleStaff {
		t.Fatalf("unexpected role %s", user.Role)
	}
	if _, err := svc.VerifyPIN(context.Background(), "Bayo", "0000"); !errors.Is(err, ErrInvalidPIN) {
		t.Fatalf("expected invalid pin, got %v", err)
	}
}

func TestValidatePIN(t *testing.T) {
	for _, pin := range []string{"123", "123456789", "12a4", "1111", "2345", "9876", "1234"} {
		if err := ValidatePIN(pin); err == nil {
			t.Fatalf("expected %q to be rejected", pin)
		}
	}
	for _, pin := range []string{"4829", "730195"} {
		if err := ValidatePIN(pin); err != nil {
			t.Fatalf("expected %q to be accepted: %v", pin, err)
		}
	}
}

func TestEnsureDeviceIDIsStable(t *testing.T) {
	svc := newTestService(t, memory.New())
	a, err := svc.EnsureDeviceID(context.Background())
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	b, _ := svc.EnsureDeviceID(context.Background())
	if a == "" || a != b {
		t.Fatalf("expected stable device id, got %q and %q", a, b)
	}
}
