package scheduler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Broker is one catalogued data broker, grounded on original_source's
// catalog.py BrokerEntry. Bootstrap reads only ID, PlanFile and
// RecheckDays; name/category/removal_method/difficulty/notes are decoded
// from the same file but not used by the scheduler.
type Broker struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Category      string `yaml:"category"`
	RemovalMethod string `yaml:"removal_method"`
	Difficulty    string `yaml:"difficulty"`
	PlanFile      string `yaml:"plan_file"`
	RecheckDays   int    `yaml:"recheck_days"`
	Notes         string `yaml:"notes"`
}

type catalogFile struct {
	Brokers []Broker `yaml:"brokers"`
}

// Catalog is the loaded broker catalog, keyed by broker id.
type Catalog struct {
	brokers map[string]Broker
	order   []string
}

// LoadCatalog parses a broker catalog YAML document (spec.md §4.5's
// "small YAML document under the plans root"). Missing and duplicate ids
// are rejected; a missing or non-positive recheck_days defaults to 30.
func LoadCatalog(path string) (*Catalog, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scheduler: read catalog %s: %w", path, err)
	}

	var raw catalogFile
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("scheduler: parse catalog %s: %w", path, err)
	}

	c := &Catalog{brokers: make(map[string]Broker, len(raw.Brokers))}
	for i, b := range raw.Brokers {
		if b.ID == "" {
			return nil, fmt.Errorf("scheduler: catalog entry %d missing id", i)
		}
		if _, dup := c.brokers[b.ID]; dup {
			return nil, fmt.Errorf("scheduler: duplicate broker id %q", b.ID)
		}
		if b.RecheckDays <= 0 {
			b.RecheckDays = 30
		}
		c.brokers[b.ID] = b
		c.order = append(c.order, b.ID)
	}
	return c, nil
}

// Get returns a broker by id, or (Broker{}, false).
func (c *Catalog) Get(brokerID string) (Broker, bool) {
	b, ok := c.brokers[brokerID]
	return b, ok
}

// All returns every catalogued broker, in file order.
func (c *Catalog) All() []Broker {
	out := make([]Broker, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.brokers[id])
	}
	return out
}

// Len reports how many brokers are catalogued.
func (c *Catalog) Len() int {
	return len(c.brokers)
}
