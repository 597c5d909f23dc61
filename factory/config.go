/*
Package factory provides TOML to Go configuration conversion.

PURPOSE:
  Converts TOML configuration files into server Config and plan.Catalog
  objects. This enables catalog changes without code changes - a product
  owner can adjust credit grants, prices and reset cycles in a config
  file, and the factory creates the proper Go structs.

TOML SCHEMA:

  [server]
  addr = ":8080"
  database = "credits.db"

  [[plan]]
  product_id = "com.iconforge.pack.starter"
  name = "Starter Pack"
  kind = "consumable"
  credits = 15
  price = "2.99"

  [[plan]]
  product_id = "com.iconforge.tier.weekly"
  name = "Weekly"
  kind = "subscription"
  credits = 30
  price = "4.99"
  reset_days = 7

KEY FEATURES:
  - Validates plan entries (unknown kinds, non-positive grants)
  - Falls back to the built-in catalog when no [[plan]] entries exist
  - Subscription entries require a reset cycle (days or months)

USAGE:
  cfg, err := factory.Load("config.toml")
  catalog := cfg.Catalog()

SEE ALSO:
  - plan/catalog.go: Plan and Catalog types
  - cmd/server/main.go: consumer of the loaded Config
*/
package factory

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/iconforge/credit-engine/credit"
	"github.com/iconforge/credit-engine/plan"
)

// =============================================================================
// TOML SCHEMA TYPES
// =============================================================================

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Plans  []PlanTOML   `toml:"plan"`
}

// ServerConfig holds the listener and storage settings.
type ServerConfig struct {
	Addr     string `toml:"addr"`
	Database string `toml:"database"`
}

// PlanTOML is the TOML representation of one catalog entry.
type PlanTOML struct {
	ProductID   string `toml:"product_id"`
	Name        string `toml:"name"`
	Kind        string `toml:"kind"` // consumable, subscription
	Credits     int64  `toml:"credits"`
	Price       string `toml:"price"`
	ResetDays   int    `toml:"reset_days,omitempty"`
	ResetMonths int    `toml:"reset_months,omitempty"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(string(raw))
}

// Parse decodes a TOML string into a validated Config.
func Parse(tomlStr string) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal([]byte(tomlStr), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.Database == "" {
		cfg.Server.Database = "credits.db"
	}

	for i := range cfg.Plans {
		if err := validatePlan(cfg.Plans[i]); err != nil {
			return nil, fmt.Errorf("plan %d (%s): %w", i, cfg.Plans[i].ProductID, err)
		}
	}

	return &cfg, nil
}

func validatePlan(p PlanTOML) error {
	if p.ProductID == "" {
		return fmt.Errorf("missing product_id")
	}
	if p.Credits <= 0 {
		return fmt.Errorf("credits must be positive, got %d", p.Credits)
	}
	switch p.Kind {
	case "consumable":
		if p.ResetDays != 0 || p.ResetMonths != 0 {
			return fmt.Errorf("consumable plans cannot have a reset cycle")
		}
	case "subscription":
		if p.ResetDays == 0 && p.ResetMonths == 0 {
			return fmt.Errorf("subscription plans require reset_days or reset_months")
		}
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	if p.Price != "" {
		if _, err := decimal.NewFromString(p.Price); err != nil {
			return fmt.Errorf("invalid price %q: %w", p.Price, err)
		}
	}
	return nil
}

// =============================================================================
// CATALOG CONSTRUCTION
// =============================================================================

// Catalog builds the plan catalog from the configured entries, or returns
// the built-in catalog when the config declares none.
func (c *Config) Catalog() *plan.Catalog {
	if len(c.Plans) == 0 {
		return plan.Default()
	}

	plans := make([]plan.Plan, 0, len(c.Plans))
	for _, p := range c.Plans {
		plans = append(plans, fromTOML(p))
	}
	return plan.NewCatalog(plans...)
}

func fromTOML(p PlanTOML) plan.Plan {
	price := decimal.Zero
	if p.Price != "" {
		price, _ = decimal.NewFromString(p.Price) // validated in Parse
	}

	out := plan.Plan{
		ProductID: credit.ProductID(p.ProductID),
		Name:      p.Name,
		Credits:   p.Credits,
		Price:     price,
	}

	switch p.Kind {
	case "subscription":
		out.Kind = plan.KindSubscription
		out.Policy = credit.PeriodicReset{
			Max:   p.Credits,
			Cycle: credit.CycleRule{Days: p.ResetDays, Months: p.ResetMonths},
		}
	default:
		out.Kind = plan.KindConsumable
		out.Policy = credit.Consumable{}
	}
	return out
}
