// Package catalog holds the downloadable session offers and their pricing.
package catalog

import (
	"sort"

	"github.com/kswifiapp/session-core/internal/model"
)

// Catalog is the ordered set of session offers a user can download. Pricing
// is injected at construction; nothing here talks to storage.
type Catalog struct {
	offers []model.Offer
}

// Default mirrors the product bundle table: sized bundles from 1GB to 20GB
// with a 30 day validity window, plus an unlimited bundle that only ever
// expires by exhaustion.
func Default() *Catalog {
	return New([]model.Offer{
		{ID: "1gb", Name: "1GB", Size: model.SizedMB(1024), PriceUSD: 5.99, ValidityDays: 30},
		{ID: "5gb", Name: "5GB", Size: model.SizedMB(5120), PriceUSD: 19.99, ValidityDays: 30},
		{ID: "10gb", Name: "10GB", Size: model.SizedMB(10240), PriceUSD: 34.99, ValidityDays: 30},
		{ID: "20gb", Name: "20GB", Size: model.SizedMB(20480), PriceUSD: 59.99, ValidityDays: 30},
		{ID: "unlimited", Name: "Unlimited", Size: model.Unlimited(), PriceUSD: 99.99, ValidityDays: 30},
	})
}

func New(offers []model.Offer) *Catalog {
	cp := append([]model.Offer(nil), offers...)
	sort.SliceStable(cp, func(i, j int) bool {
		// Sized offers ascending, unlimited last.
		if cp[i].Size.IsUnlimited() != cp[j].Size.IsUnlimited() {
			return !cp[i].Size.IsUnlimited()
		}
		return cp[i].Size.MB() < cp[j].Size.MB()
	})
	return &Catalog{offers: cp}
}

func (c *Catalog) Get(offerID string) (model.Offer, bool) {
	for _, o := range c.offers {
		if o.ID == offerID {
			return o, true
		}
	}
	return model.Offer{}, false
}

// Annotated returns the offer list with the Free flag set on every sized
// offer that still fits inside the owner's remaining monthly free quota.
// Unlimited offers are never free.
func (c *Catalog) Annotated(freeRemainingMB int64) []model.Offer {
	out := make([]model.Offer, len(c.offers))
	for i, o := range c.offers {
		o.Free = !o.Size.IsUnlimited() && o.Size.MB() <= freeRemainingMB
		out[i] = o
	}
	return out
}
