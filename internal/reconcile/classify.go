package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/micro-ha/device-intake/internal/batch"
	"github.com/micro-ha/device-intake/internal/model"
	"github.com/micro-ha/device-intake/internal/registry"
)

// stagingEntry is one serial destined for a build list.
type stagingEntry struct {
	rec    model.ImportRecord
	serial string
	line   string
}

// stagingGroup is every new serial sharing a LocationModelKey.
type stagingGroup struct {
	key       model.LocationModelKey
	smartCard bool
	path      string
	entries   []stagingEntry
}

func (g *stagingGroup) content() []byte {
	entries := append([]stagingEntry(nil), g.entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].rec.Line < entries[j].rec.Line })
	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(entry.line)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// existing is a serial the registry already knows.
type existing struct {
	rec    model.ImportRecord
	serial string
	device registry.Device
}

// classification holds phase one's results. Each collection has its own
// lock so workers only contend on what they touch.
type classification struct {
	devicesMu sync.Mutex
	devices   map[model.LocationModelKey]*stagingGroup

	cardsMu sync.Mutex
	cards   map[model.LocationModelKey]*stagingGroup

	updatesMu sync.Mutex
	updates   []existing

	pairingsMu sync.Mutex
	pairings   []model.ImportRecord
}

func newClassification() *classification {
	return &classification{
		devices: map[model.LocationModelKey]*stagingGroup{},
		cards:   map[model.LocationModelKey]*stagingGroup{},
	}
}

func (c *classification) addUpdate(e existing) {
	c.updatesMu.Lock()
	c.updates = append(c.updates, e)
	c.updatesMu.Unlock()
}

func (c *classification) addPairing(rec model.ImportRecord) {
	c.pairingsMu.Lock()
	c.pairings = append(c.pairings, rec)
	c.pairingsMu.Unlock()
}

// sortedUpdates returns updates in file order.
func (c *classification) sortedUpdates() []existing {
	c.updatesMu.Lock()
	defer c.updatesMu.Unlock()
	out := append([]existing(nil), c.updates...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].rec.Line < out[j].rec.Line })
	return out
}

func (c *classification) sortedPairings() []model.ImportRecord {
	c.pairingsMu.Lock()
	defer c.pairingsMu.Unlock()
	out := append([]model.ImportRecord(nil), c.pairings...)
	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

// sortedGroups returns device groups followed by smart-card groups, each
// ordered by key.
func (c *classification) sortedGroups() []*stagingGroup {
	collect := func(mu *sync.Mutex, groups map[model.LocationModelKey]*stagingGroup) []*stagingGroup {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*stagingGroup, 0, len(groups))
		for _, g := range groups {
			out = append(out, g)
		}
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i].key, out[j].key
			if a.LocationID != b.LocationID {
				return a.LocationID < b.LocationID
			}
			if a.ModelName != b.ModelName {
				return a.ModelName < b.ModelName
			}
			return a.StatusCode < b.StatusCode
		})
		return out
	}
	return append(collect(&c.devicesMu, c.devices), collect(&c.cardsMu, c.cards)...)
}

// stagingPath names the build-list file for key.
func (r *batchRun) stagingPath(key model.LocationModelKey) string {
	name := fmt.Sprintf("BuildList_%s_%s.%s.txt", key.LocationID, key.ModelName, r.engine.newID())
	return filepath.Join(r.engine.cfg.BuildListDir, name)
}

func (r *batchRun) addNew(smartCard bool, key model.LocationModelKey, entry stagingEntry) {
	mu, groups := &r.cls.devicesMu, r.cls.devices
	if smartCard {
		mu, groups = &r.cls.cardsMu, r.cls.cards
	}
	mu.Lock()
	defer mu.Unlock()
	g, ok := groups[key]
	if !ok {
		g = &stagingGroup{key: key, smartCard: smartCard, path: r.stagingPath(key)}
		groups[key] = g
	}
	g.entries = append(g.entries, entry)
}

func (r *batchRun) classify(ctx context.Context) error {
	return r.runPooled(ctx, "classify", len(r.records), func(ctx context.Context, i int) {
		r.classifyRecord(ctx, r.records[i])
	})
}

func (r *batchRun) classifyRecord(ctx context.Context, rec model.ImportRecord) {
	device, err := r.engine.reg.DeviceBySerial(ctx, rec.SerialNumber)
	if err != nil {
		r.sink.Fail(rec, coded(batch.CodeClassify, "An unexpected error occurred while classifying record: %s. %v", rec.SerialNumber, err))
		return
	}
	if device == nil {
		line := rec.SerialNumber
		if chipset := strings.TrimSpace(rec.ChipsetID); chipset != "" {
			line += " " + chipset
		}
		key := model.LocationModelKey{LocationID: rec.LocationID, ModelName: rec.ModelName, StatusCode: rec.StatusCode}
		r.addNew(false, key, stagingEntry{rec: rec, serial: rec.SerialNumber, line: line})
	} else {
		r.cls.addUpdate(existing{rec: rec, serial: rec.SerialNumber, device: *device})
	}

	if !rec.IsPairing() {
		return
	}
	r.cls.addPairing(rec)

	card, err := r.engine.reg.DeviceBySerial(ctx, rec.PairedSerial)
	if err != nil {
		r.sink.Fail(rec, coded(batch.CodeClassify, "An unexpected error occurred while classifying record: %s. %v", rec.PairedSerial, err))
		return
	}
	if card != nil {
		r.cls.addUpdate(existing{rec: rec, serial: rec.PairedSerial, device: *card})
		return
	}
	modelName := strings.TrimSpace(rec.PairedModelName)
	if modelName == "" {
		modelName = r.engine.cfg.DefaultSmartCardModel
	}
	key := model.LocationModelKey{LocationID: rec.LocationID, ModelName: modelName, StatusCode: rec.StatusCode}
	r.addNew(true, key, stagingEntry{rec: rec, serial: rec.PairedSerial, line: rec.PairedSerial})
}
