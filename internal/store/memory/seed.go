package memory

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
)

const (
	SeedStoreID       = "store-main"
	SeedOwnerID       = "user-owner"
	SeedCashierUserID = "user-cashier"
	SeedManagerUserID = "user-manager"
)

// NewSeeded returns a store with one shop, its staff and a small catalogue
// for local development. PINs come from SEED_CASHIER_PIN and SEED_MANAGER_PIN.
func NewSeeded() *Store {
	cashierPin := envOr("SEED_CASHIER_PIN", "2580")
	managerPin := envOr("SEED_MANAGER_PIN", "1397")
	if os.Getenv("SEED_CASHIER_PIN") == "" || os.Getenv("SEED_MANAGER_PIN") == "" {
		log.Warn().Msg("memory store: using default dev PINs, set SEED_CASHIER_PIN and SEED_MANAGER_PIN to override")
	}

	now := time.Now().UTC()
	s := New()
	s.PutStore(domain.StoreSettings{ID: SeedStoreID, Name: "Main Store", OwnerID: SeedOwnerID, RequireEmployeePin: true})

	for _, e := range []struct {
		id, userID, name, pin string
		role                  domain.EmploymentRole
	}{
		{"emp-cashier", SeedCashierUserID, "Kasir A", cashierPin, domain.RoleCashier},
		{"emp-manager", SeedManagerUserID, "Manager B", managerPin, domain.RoleManager},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(e.pin), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("employment_id", e.id).Msg("memory store: hash seed PIN")
		}
		s.PutEmployment(domain.Employment{
			ID:          e.id,
			UserID:      e.userID,
			StoreID:     SeedStoreID,
			DisplayName: e.name,
			Role:        e.role,
			IsActive:    true,
			PinHash:     string(hash),
			RequiresPin: true,
			CreatedAt:   now,
		})
		s.PutShift(domain.EmployeeShift{
			ID:         "shift-" + e.id,
			StoreID:    SeedStoreID,
			EmployeeID: e.userID,
			Date:       now.Truncate(24 * time.Hour),
			StartTime:  "08:00",
			EndTime:    "16:00",
			Type:       "MORNING",
			Status:     domain.ShiftActive,
		})
	}

	s.PutProduct(domain.Product{
		ID: "prod-coffee", StoreID: SeedStoreID, SKU: "SKU-COFFEE", Name: "Kopi Susu",
		SellingPrice: decimal.RequireFromString("18.00"), TaxRate: decimal.NewFromInt(11),
		TrackStock: true, InitialStock: 120, CurrentStock: 120, IsActive: true, CreatedAt: now,
	})
	s.PutProduct(domain.Product{
		ID: "prod-bag", StoreID: SeedStoreID, SKU: "SKU-BAG", Name: "Tote Bag",
		SellingPrice: decimal.RequireFromString("5.00"), TaxRate: decimal.NewFromInt(11),
		TrackStock: false, IsActive: true, CreatedAt: now,
	})
	s.PutProduct(domain.Product{
		ID: "prod-milk", StoreID: SeedStoreID, SKU: "SKU-MILK", Name: "Susu UHT 1L",
		SellingPrice: decimal.RequireFromString("21.50"), TaxRate: decimal.NewFromInt(11),
		TrackStock: true, TrackExpirationDates: true, InitialStock: 40, CurrentStock: 40, IsActive: true, CreatedAt: now,
	})
	s.PutBatch(domain.ProductBatch{
		ID: "batch-milk-a", StoreID: SeedStoreID, ProductID: "prod-milk", BatchNumber: "MILK-A",
		ExpirationDate: now.AddDate(0, 0, 10), InitialQuantity: 15, CurrentQuantity: 15,
		UnitCost: decimal.RequireFromString("14.00"), CreatedAt: now,
	})
	s.PutBatch(domain.ProductBatch{
		ID: "batch-milk-b", StoreID: SeedStoreID, ProductID: "prod-milk", BatchNumber: "MILK-B",
		ExpirationDate: now.AddDate(0, 0, 30), InitialQuantity: 25, CurrentQuantity: 25,
		UnitCost: decimal.RequireFromString("14.50"), CreatedAt: now.Add(time.Second),
	})
	return s
}

func envOr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
