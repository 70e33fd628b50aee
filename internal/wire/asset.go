package wire

import (
	"encoding/json"
	"fmt"
)

type AssetType string

const (
	AssetMonetary AssetType = "MONAS"
	AssetStock    AssetType = "STOCK"
	AssetOption   AssetType = "OPTION"
)

// Asset is a closed tagged union: the Type discriminator selects the
// shape of the raw body. Non-monetary variants are never interpreted
// locally, only forwarded, so their bodies stay raw.
type Asset struct {
	Type AssetType       `json:"type"`
	Body json.RawMessage `json:"asset"`
}

// CurrencyAsset is the body of a MONAS asset.
type CurrencyAsset struct {
	Currency string `json:"currency"`
}

func MonetaryAsset(currencyCode string) Asset {
	body, _ := json.Marshal(CurrencyAsset{Currency: currencyCode})
	return Asset{Type: AssetMonetary, Body: body}
}

func (a Asset) IsMonetary() bool {
	return a.Type == AssetMonetary
}

// Monetary decodes the MONAS body. Calling it on another variant is a
// protocol error.
func (a Asset) Monetary() (CurrencyAsset, error) {
	if a.Type != AssetMonetary {
		return CurrencyAsset{}, fmt.Errorf("asset type is %s, not %s", a.Type, AssetMonetary)
	}
	var c CurrencyAsset
	if err := json.Unmarshal(a.Body, &c); err != nil {
		return CurrencyAsset{}, fmt.Errorf("decode monetary asset: %w", err)
	}
	return c, nil
}
