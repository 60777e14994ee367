package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

const maxPages = 10000

var reasonLists = []LookupList{
	NewStockReceiveReasons,
	PairDevicesReasons,
	TransferDeviceAtStockHandler,
	ChangeDeviceStatusReasons,
}

// CatalogOptions configures LoadCatalog.
type CatalogOptions struct {
	// LocationField is the stock-handler custom field holding the external
	// location id used in exchange files.
	LocationField string
}

// Catalog holds the static lookups one batch needs. It is read-only after
// LoadCatalog returns.
type Catalog struct {
	stockHandlers map[string]int64
	customFields  map[string]int64
	reasons       map[LookupList]map[string]int64
	models        map[string]int64
	updateReasons map[string]int64
}

// CatalogError names the lookup that could not be loaded.
type CatalogError struct {
	Lookup string
	Err    error
}

func (e *CatalogError) Error() string {
	if e == nil {
		return "catalog load failed"
	}
	return fmt.Sprintf("load %s cache: %v", e.Lookup, e.Err)
}

func (e *CatalogError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var errEmpty = errors.New("registry returned no entries")

// LoadCatalog fetches every lookup concurrently. Any error fails the whole
// load, as does an empty stock handler, hardware model or update reason
// lookup. The four event reason lists may be empty individually but not all
// at once. Custom field definitions may be empty.
func LoadCatalog(ctx context.Context, reg Registry, opts CatalogOptions) (*Catalog, error) {
	cat := &Catalog{reasons: make(map[LookupList]map[string]int64, len(reasonLists))}
	reasonMaps := make([]map[string]int64, len(reasonLists))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		handlers, err := loadStockHandlers(gctx, reg, opts.LocationField)
		if err != nil {
			return &CatalogError{Lookup: "stock handler", Err: err}
		}
		cat.stockHandlers = handlers
		return nil
	})
	g.Go(func() error {
		defs, err := reg.DeviceCustomFields(gctx)
		if err != nil {
			return &CatalogError{Lookup: "device custom field", Err: err}
		}
		fields := make(map[string]int64, len(defs))
		for _, def := range defs {
			fields[def.Name] = def.ID
		}
		cat.customFields = fields
		return nil
	})
	for i, list := range reasonLists {
		g.Go(func() error {
			m, err := loadLookup(gctx, reg, list)
			if err != nil && !errors.Is(err, errEmpty) {
				return &CatalogError{Lookup: string(list), Err: err}
			}
			reasonMaps[i] = m
			return nil
		})
	}
	g.Go(func() error {
		models, err := loadModels(gctx, reg)
		if err != nil {
			return &CatalogError{Lookup: "hardware model", Err: err}
		}
		cat.models = models
		return nil
	})
	g.Go(func() error {
		m, err := loadLookup(gctx, reg, UpdateDeviceReasons)
		if err != nil {
			return &CatalogError{Lookup: string(UpdateDeviceReasons), Err: err}
		}
		cat.updateReasons = m
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	total := 0
	for i, list := range reasonLists {
		cat.reasons[list] = reasonMaps[i]
		total += len(reasonMaps[i])
	}
	if total == 0 {
		return nil, &CatalogError{Lookup: "event reason", Err: errEmpty}
	}
	return cat, nil
}

func loadStockHandlers(ctx context.Context, reg Registry, field string) (map[string]int64, error) {
	out := make(map[string]int64)
	for page := 1; page <= maxPages; page++ {
		items, err := reg.StockHandlers(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}
		for _, sh := range items {
			external := strings.TrimSpace(sh.CustomFields[field])
			if external == "" {
				continue
			}
			out[external] = sh.ID
		}
	}
	if len(out) == 0 {
		return nil, errEmpty
	}
	return out, nil
}

func loadModels(ctx context.Context, reg Registry) (map[string]int64, error) {
	out := make(map[string]int64)
	for page := 1; page <= maxPages; page++ {
		items, err := reg.HardwareModels(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}
		for _, m := range items {
			out[m.Description] = m.ID
		}
	}
	if len(out) == 0 {
		return nil, errEmpty
	}
	return out, nil
}

func loadLookup(ctx context.Context, reg Registry, list LookupList) (map[string]int64, error) {
	items, err := reg.Lookups(ctx, list)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errEmpty
	}
	out := make(map[string]int64, len(items))
	for _, item := range items {
		out[item.Description] = item.ID
	}
	return out, nil
}

// StockHandlerID maps an external location id to a stock handler. Zero means
// unknown.
func (c *Catalog) StockHandlerID(external string) int64 {
	return c.stockHandlers[strings.TrimSpace(external)]
}

// CustomFieldID satisfies batch.FieldCatalog.
func (c *Catalog) CustomFieldID(name string) (int64, bool) {
	id, ok := c.customFields[name]
	return id, ok
}

// ReasonID returns the reason in list described by status. Zero means unknown.
func (c *Catalog) ReasonID(list LookupList, status string) int64 {
	if list == UpdateDeviceReasons {
		return c.updateReasons[status]
	}
	return c.reasons[list][status]
}

// ModelID returns the hardware model with the given description. Zero means
// unknown.
func (c *Catalog) ModelID(name string) int64 {
	return c.models[name]
}
