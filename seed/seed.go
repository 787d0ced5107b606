/*
Package seed loads demo products into an empty catalog.

PURPOSE:
  Gives a fresh database something to click through. Products are created
  through the coordinator so they go through the same validation as API
  calls. Seeding twice is harmless: a SKU that already exists is skipped.

USAGE:
  ./server -seed
*/
package seed

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/inventory-ledger/ledger"
)

// DefaultProducts is the demo catalog.
var DefaultProducts = []ledger.ProductInput{
	{Name: "iPhone 15 Pro", SKU: "APPL-IP15P-256"},
	{Name: "MacBook Pro M3", SKU: "APPL-MBP-M3-14"},
	{Name: "Samsung Galaxy S24 Ultra", SKU: "SAMS-GS24U-512"},
	{Name: "Nike Air Jordan 1", SKU: "NIKE-AJ1-BLK-10"},
	{Name: "Sony PlayStation 5", SKU: "SONY-PS5-STD"},
	{Name: "Tesla Model Y Performance", SKU: "TSLA-MY-PERF"},
	{Name: "Rolex Submariner", SKU: "RLXS-SUB-BLK"},
	{Name: "Nintendo Switch OLED", SKU: "NINT-SW-OLED"},
	{Name: "Canon EOS R5", SKU: "CANR-R5-BODY"},
	{Name: "AirPods Pro 2nd Gen", SKU: "APPL-APP-2ND"},
}

// Products creates every product in the list and returns how many were new.
func Products(ctx context.Context, c *ledger.Coordinator, products []ledger.ProductInput, log *zap.Logger) (int, error) {
	if log == nil {
		log = zap.NewNop()
	}
	created := 0
	for _, in := range products {
		_, err := c.CreateProduct(ctx, in)
		if errors.Is(err, ledger.ErrDuplicateSKU) {
			log.Debug("seed product exists", zap.String("sku", in.SKU))
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", in.SKU, err)
		}
		created++
	}
	log.Info("seeded products", zap.Int("created", created), zap.Int("skipped", len(products)-created))
	return created, nil
}
