package glconfig

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
)

// tomlFile is the import format:
//
//	[[configuration]]
//	event_code = "purchase.goods_received"
//	company_id = 1
//	branch_id = 4
//	description = "Jakarta warehouse"
//
//	  [[configuration.mapping]]
//	  role = "inventory"
//	  account_id = 1401
type tomlFile struct {
	Configurations []tomlConfiguration `toml:"configuration"`
}

type tomlConfiguration struct {
	EventCode   string        `toml:"event_code"`
	CompanyID   int64         `toml:"company_id"`
	BranchID    *int64        `toml:"branch_id"`
	Active      *bool         `toml:"active"`
	Description string        `toml:"description"`
	Mappings    []tomlMapping `toml:"mapping"`
}

type tomlMapping struct {
	Role      string `toml:"role"`
	AccountID int64  `toml:"account_id"`
}

// ParseTOML reads and validates configurations. Unknown keys are rejected.
func ParseTOML(r io.Reader) ([]Configuration, error) {
	var file tomlFile
	md, err := toml.NewDecoder(r).Decode(&file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfiguration, strings.Join(keys, ", "))
	}
	out := make([]Configuration, 0, len(file.Configurations))
	for i, tc := range file.Configurations {
		cfg := Configuration{
			EventCode:   events.Code(strings.TrimSpace(tc.EventCode)),
			CompanyID:   tc.CompanyID,
			BranchID:    tc.BranchID,
			IsActive:    tc.Active == nil || *tc.Active,
			Description: tc.Description,
		}
		for _, m := range tc.Mappings {
			cfg.Mappings = append(cfg.Mappings, Mapping{Role: strings.TrimSpace(m.Role), AccountID: m.AccountID})
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configuration #%d: %w", i+1, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Invalidator drops cached configurations for a company.
type Invalidator interface {
	Invalidate(ctx context.Context, companyID int64) error
}

// Importer writes parsed configurations and clears affected cache entries.
type Importer struct {
	repo  Repository
	cache Invalidator
}

// NewImporter constructs Importer. cache may be nil.
func NewImporter(repo Repository, cache Invalidator) *Importer {
	return &Importer{repo: repo, cache: cache}
}

// Import upserts every configuration and returns their ids in input order.
func (i *Importer) Import(ctx context.Context, configs []Configuration) ([]int64, error) {
	ids := make([]int64, 0, len(configs))
	companies := make(map[int64]struct{})
	for _, cfg := range configs {
		id, err := i.repo.Upsert(ctx, cfg)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		companies[cfg.CompanyID] = struct{}{}
	}
	if i.cache != nil {
		for companyID := range companies {
			if err := i.cache.Invalidate(ctx, companyID); err != nil {
				return ids, err
			}
		}
	}
	return ids, nil
}
