// Package institution lists the banks available through the aggregator and searches them locally
package institution

import (
	"context"
	"strings"
	"sync"
	"time"

	sErrors "github.com/johnstarich/sagelink/errors"
	"github.com/johnstarich/sagelink/model"
	"github.com/johnstarich/sagelink/search"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Lister fetches every institution in a country
type Lister interface {
	Institutions(ctx context.Context, country string) ([]model.Institution, error)
}

// Directory caches institution lists per country and searches them without further round trips
type Directory struct {
	lister Lister
	cache  *cache.Cache
	logger *zap.Logger
	mu     sync.Mutex
}

// NewDirectory creates a Directory whose lists expire after ttl
func NewDirectory(lister Lister, ttl time.Duration, logger *zap.Logger) *Directory {
	return &Directory{
		lister: lister,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger,
	}
}

func cacheKey(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}

// Load returns the institutions for country, fetching them if they aren't cached.
// A failed fetch is Retryable and is not cached. An empty list is a valid result.
func (d *Directory) Load(ctx context.Context, country string) ([]model.Institution, error) {
	key := cacheKey(country)
	if institutions, found := d.cache.Get(key); found {
		return institutions.([]model.Institution), nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// another caller may have loaded it while we waited
	if institutions, found := d.cache.Get(key); found {
		return institutions.([]model.Institution), nil
	}

	institutions, err := d.lister.Institutions(ctx, key)
	if err != nil {
		d.logger.Warn("Failed to load institutions", zap.String("country", key), zap.Error(err))
		if !sErrors.IsRetryable(err) {
			err = sErrors.NewRetryable(err)
		}
		return nil, errors.Wrap(err, "Unable to load institutions. Try again")
	}
	if institutions == nil {
		institutions = []model.Institution{}
	}
	d.logger.Info("Loaded institutions", zap.String("country", key), zap.Int("count", len(institutions)))
	d.cache.SetDefault(key, institutions)
	return institutions, nil
}

// Refresh drops the cached list for country
func (d *Directory) Refresh(country string) {
	d.cache.Delete(cacheKey(country))
}

// Search filters a country's institutions by a case-insensitive substring of their name or BIC.
// Name matches come before BIC matches. An empty term returns every institution.
func (d *Directory) Search(ctx context.Context, country, term string) ([]model.Institution, error) {
	institutions, err := d.Load(ctx, country)
	if err != nil {
		return nil, err
	}
	return Filter(institutions, term), nil
}

// Filter returns the institutions whose name or BIC contains term
func Filter(institutions []model.Institution, term string) []model.Institution {
	items := make([]search.Fields, len(institutions))
	for i, inst := range institutions {
		items[i] = search.Fields{inst.Name, inst.BIC}
	}
	indexes := search.QueryIndexes(items, term)
	results := make([]model.Institution, 0, len(indexes))
	for _, i := range indexes {
		results = append(results, institutions[i])
	}
	return results
}

// Find returns the institution with the given ID
func (d *Directory) Find(ctx context.Context, country, id string) (model.Institution, error) {
	institutions, err := d.Load(ctx, country)
	if err != nil {
		return model.Institution{}, err
	}
	for _, inst := range institutions {
		if inst.ID == id {
			return inst, nil
		}
	}
	return model.Institution{}, errors.Errorf("Unknown institution: %q", id)
}
