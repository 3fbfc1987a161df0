package registry

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/microcrop/trigger-engine/internal/model"
)

func builtinCrops() []model.CropType {
	rate := decimal.RequireFromString
	return []model.CropType{
		{ID: "maize", Name: "Maize", MinMonthlyRainfall: 50, MaxTemperature: 35, MaxDailyRainfall: 50, PremiumRate: rate("0.05")},
		{ID: "wheat", Name: "Wheat", MinMonthlyRainfall: 40, MaxTemperature: 32, MaxDailyRainfall: 45, PremiumRate: rate("0.045")},
		{ID: "rice", Name: "Rice", MinMonthlyRainfall: 100, MaxTemperature: 37, MaxDailyRainfall: 80, PremiumRate: rate("0.06")},
		{ID: "sorghum", Name: "Sorghum", MinMonthlyRainfall: 30, MaxTemperature: 38, MaxDailyRainfall: 50, PremiumRate: rate("0.04")},
		{ID: "coffee", Name: "Coffee", MinMonthlyRainfall: 60, MaxTemperature: 30, MaxDailyRainfall: 40, PremiumRate: rate("0.07")},
		{ID: "beans", Name: "Beans", MinMonthlyRainfall: 45, MaxTemperature: 33, MaxDailyRainfall: 40, PremiumRate: rate("0.05")},
	}
}

// cropOverride is one entry of the catalog file. Zero fields keep the
// built-in value.
type cropOverride struct {
	Name               string  `yaml:"name"`
	MinMonthlyRainfall float64 `yaml:"min_monthly_rainfall"`
	MaxTemperature     float64 `yaml:"max_temperature"`
	MaxDailyRainfall   float64 `yaml:"max_daily_rainfall"`
	PremiumRate        string  `yaml:"premium_rate"`
}

type catalogFile struct {
	Crops map[string]cropOverride `yaml:"crops"`
}

// Catalog is the crop reference table.
type Catalog struct {
	mu    sync.RWMutex
	crops map[string]model.CropType
}

// NewCatalog returns a catalog holding the built-in crops.
func NewCatalog() *Catalog {
	c := &Catalog{crops: make(map[string]model.CropType)}
	for _, ct := range builtinCrops() {
		c.crops[ct.ID] = ct
	}
	return c
}

// LoadCatalog returns the built-in catalog overlaid with the YAML file at
// path. An empty path yields the built-ins.
func LoadCatalog(path string) (*Catalog, error) {
	c := NewCatalog()
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open crop catalog: %w", err)
	}
	defer f.Close()

	if err := c.Overlay(f); err != nil {
		return nil, fmt.Errorf("crop catalog %s: %w", path, err)
	}
	return c, nil
}

// Overlay merges crop definitions from YAML. Known ids are patched field by
// field; new ids must be complete.
func (c *Catalog) Overlay(r io.Reader) error {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return fmt.Errorf("decode: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make(map[string]model.CropType, len(file.Crops))
	for id, o := range file.Crops {
		base, known := c.crops[id]
		if !known {
			base = model.CropType{ID: id, Name: id}
		}
		ct, err := mergeCrop(base, o)
		if err != nil {
			return fmt.Errorf("crop %s: %w", id, err)
		}
		if err := validateCrop(ct); err != nil {
			return fmt.Errorf("crop %s: %w", id, err)
		}
		merged[id] = ct
	}
	for id, ct := range merged {
		c.crops[id] = ct
	}
	return nil
}

func mergeCrop(base model.CropType, o cropOverride) (model.CropType, error) {
	if o.Name != "" {
		base.Name = o.Name
	}
	if o.MinMonthlyRainfall != 0 {
		base.MinMonthlyRainfall = o.MinMonthlyRainfall
	}
	if o.MaxTemperature != 0 {
		base.MaxTemperature = o.MaxTemperature
	}
	if o.MaxDailyRainfall != 0 {
		base.MaxDailyRainfall = o.MaxDailyRainfall
	}
	if o.PremiumRate != "" {
		rate, err := decimal.NewFromString(o.PremiumRate)
		if err != nil {
			return base, fmt.Errorf("premium_rate %q: %w", o.PremiumRate, err)
		}
		base.PremiumRate = rate
	}
	return base, nil
}

func validateCrop(ct model.CropType) error {
	switch {
	case ct.MinMonthlyRainfall <= 0:
		return fmt.Errorf("min_monthly_rainfall must be positive")
	case ct.MaxDailyRainfall <= 0:
		return fmt.Errorf("max_daily_rainfall must be positive")
	case ct.MaxTemperature == 0:
		return fmt.Errorf("max_temperature is required")
	case !ct.PremiumRate.IsPositive() || ct.PremiumRate.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("premium_rate must be in (0, 1)")
	}
	return nil
}

// Get returns the crop with the given id.
func (c *Catalog) Get(id string) (model.CropType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.crops[id]
	return ct, ok
}

// List returns all crops ordered by id.
func (c *Catalog) List() []model.CropType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.CropType, 0, len(c.crops))
	for _, ct := range c.crops {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
