package models

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/config"
	"github.com/CaoNhatLinh/squareup-sub001/store"
	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/sirupsen/logrus"
)

type PriceCacheEntry struct {
	MerchantId string    `json:"merchantId"`
	Signature  string    `json:"signature"`
	UnitAmount int64     `json:"unitAmount"`
	ProductRef string    `json:"productRef"`
	PriceRef   string    `json:"priceRef"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (e *PriceCacheEntry) SetVersion(v time.Time) {
	e.UpdatedAt = v
	if e.CreatedAt.IsZero() {
		e.CreatedAt = v
	}
}

// ProductCreator is the slice of the payment processor the cache needs.
type ProductCreator interface {
	CreateProduct(ctx context.Context, name, description string) (string, error)
	CreatePrice(ctx context.Context, productRef string, unitAmount int64) (string, error)
}

// PriceCache maps (merchant, line signature, unit amount) to processor
// product/price references so repeated checkouts reuse the same objects.
type PriceCache struct {
	store   store.Store
	creator ProductCreator
	locker  utils.Locker
	logger  *logrus.Logger
}

func NewPriceCache(s store.Store, creator ProductCreator, locker utils.Locker, logger *logrus.Logger) *PriceCache {
	return &PriceCache{store: s, creator: creator, locker: locker, logger: logger}
}

func priceCachePath(merchantId, signature string, unitAmount int64) string {
	return store.Join("priceCache", merchantId, signature, strconv.FormatInt(unitAmount, 10))
}

func (c *PriceCache) probe(ctx context.Context, path string) (*PriceCacheEntry, error) {
	entry, _, err := store.Load[PriceCacheEntry](ctx, c.store, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

func (c *PriceCache) GetOrCreate(ctx context.Context, merchantId, signature string, unitAmount int64, displayName, description string) (*PriceCacheEntry, error) {
	path := priceCachePath(merchantId, signature, unitAmount)

	if entry, err := c.probe(ctx, path); err != nil || entry != nil {
		return entry, err
	}

	release := utils.ObtainBestEffort(ctx, c.locker, c.logger, "priceCache:"+path)
	defer release()

	if entry, err := c.probe(ctx, path); err != nil || entry != nil {
		return entry, err
	}

	productRef, err := c.creator.CreateProduct(ctx, displayName, description)
	if err != nil {
		return nil, utils.NewUpstreamPaymentError("create product", err)
	}
	priceRef, err := c.creator.CreatePrice(ctx, productRef, unitAmount)
	if err != nil {
		return nil, utils.NewUpstreamPaymentError("create price", err)
	}

	entry := &PriceCacheEntry{
		MerchantId: merchantId,
		Signature:  signature,
		UnitAmount: unitAmount,
		ProductRef: productRef,
		PriceRef:   priceRef,
	}
	created, err := store.Insert(ctx, c.store, path, entry)
	if errors.Is(err, store.ErrAlreadyExists) {
		winner, probeErr := c.probe(ctx, path)
		if probeErr != nil || winner == nil {
			return entry, probeErr
		}
		c.logger.WithFields(logrus.Fields{
			"field":       "PriceCache",
			"path":        path,
			"product_ref": productRef,
			"price_ref":   priceRef,
		}).Warn("price cache entry created concurrently; processor objects orphaned")
		return winner, nil
	}
	if err != nil {
		config.LogError(c.logger, "PriceCache", "GetOrCreate", "persist mapping", path, err)
		return nil, err
	}
	return created, nil
}
