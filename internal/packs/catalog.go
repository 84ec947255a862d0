package packs

import (
	"encoding/json"
	"strings"
	"time"

	pkgerrors "github.com/stagely/stagely-backend/pkg/errors"
)

// Pack describes one purchasable credit bundle. Which packs exist, how long
// their credits live, and whether spending extends that lifetime are product
// configuration, so the catalog is loaded from config rather than compiled in.
type Pack struct {
	Tag           string `json:"tag"`
	Credits       int64  `json:"credits"`
	ValidityDays  int    `json:"validity_days"`
	ExtensionDays int    `json:"extension_days"`
	AutoExtend    bool   `json:"auto_extend"`
}

// Validity returns how long freshly granted credits live.
func (p Pack) Validity() time.Duration {
	return time.Duration(p.ValidityDays) * 24 * time.Hour
}

// ExtensionWindow returns how far a pre-expiry consumption pushes the expiry.
func (p Pack) ExtensionWindow() time.Duration {
	return time.Duration(p.ExtensionDays) * 24 * time.Hour
}

// Catalog is an immutable lookup of packs by tag.
type Catalog struct {
	byTag map[string]Pack
}

// DefaultCatalog returns the built-in packs used when no override is configured.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog([]Pack{
		{Tag: "starter", Credits: 10, ValidityDays: 90},
		{Tag: "pro", Credits: 50, ValidityDays: 180, ExtensionDays: 30, AutoExtend: true},
		{Tag: "studio", Credits: 200, ValidityDays: 365, ExtensionDays: 60, AutoExtend: true},
	})
	if err != nil {
		panic(err)
	}
	return catalog
}

// Load builds the catalog from the configured JSON document, falling back to
// the defaults when the document is empty.
func Load(packsJSON string) (*Catalog, error) {
	trimmed := strings.TrimSpace(packsJSON)
	if trimmed == "" {
		return DefaultCatalog(), nil
	}
	var entries []Pack
	if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode credit packs json")
	}
	return NewCatalog(entries)
}

// NewCatalog validates and indexes the provided packs.
func NewCatalog(entries []Pack) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one credit pack is required")
	}
	byTag := make(map[string]Pack, len(entries))
	for _, pack := range entries {
		tag := strings.TrimSpace(pack.Tag)
		if tag == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "pack tag is required")
		}
		if _, exists := byTag[tag]; exists {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "duplicate pack tag").
				WithDetails(map[string]any{"tag": tag})
		}
		if pack.Credits <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "pack credits must be positive").
				WithDetails(map[string]any{"tag": tag})
		}
		if pack.ValidityDays <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "pack validity must be positive").
				WithDetails(map[string]any{"tag": tag})
		}
		if pack.AutoExtend && pack.ExtensionDays <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "auto-extend packs need an extension window").
				WithDetails(map[string]any{"tag": tag})
		}
		pack.Tag = tag
		byTag[tag] = pack
	}
	return &Catalog{byTag: byTag}, nil
}

// ByTag looks up a pack by its tag.
func (c *Catalog) ByTag(tag string) (Pack, bool) {
	pack, ok := c.byTag[strings.TrimSpace(tag)]
	return pack, ok
}
