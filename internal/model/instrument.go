package model

import (
	"fmt"
	"strings"
)

// Instrument identifies a tradable asset on the price source.
type Instrument struct {
	ID        string `json:"id"`
	ProductID int    `json:"productId"`
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
}

// Validate reports whether the instrument can be used as a cache key and fetch target.
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("instrument id is empty")
	}
	if i.ProductID <= 0 {
		return fmt.Errorf("instrument %q: product id must be positive", i.ID)
	}
	return nil
}

// Catalog is the built-in list of supported instruments.
var Catalog = []Instrument{
	{ID: "btc", ProductID: 2, Symbol: "BTC", Name: "Bitcoin"},
	{ID: "eth", ProductID: 3, Symbol: "ETH", Name: "Ethereum"},
	{ID: "sol", ProductID: 16, Symbol: "SOL", Name: "Solana"},
	{ID: "ada", ProductID: 4, Symbol: "ADA", Name: "Cardano"},
}

// LookupInstrument finds a catalog entry by id, case-insensitively.
func LookupInstrument(id string) (Instrument, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, inst := range Catalog {
		if inst.ID == id {
			return inst, true
		}
	}
	return Instrument{}, false
}
