// Package symbols maps human-readable coin names to the identifiers a kline
// source expects. Tables are plain configuration handed to the fetcher.
package symbols

import (
	"sort"
	"strings"

	"github.com/johnayoung/go-kline-collector/internal/errors"
)

// Entry is one name to source identifier mapping.
type Entry struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

var binancePairs = map[string]string{
	"bitcoin":      "BTCUSDT",
	"ethereum":     "ETHUSDT",
	"binance-coin": "BNBUSDT",
	"ripple":       "XRPUSDT",
	"cardano":      "ADAUSDT",
	"solana":       "SOLUSDT",
	"polkadot":     "DOTUSDT",
	"dogecoin":     "DOGEUSDT",
	"shiba-inu":    "SHIBUSDT",
	"litecoin":     "LTCUSDT",
	"chainlink":    "LINKUSDT",
	"polygon":      "MATICUSDT",
	"avalanche":    "AVAXUSDT",
	"uniswap":      "UNIUSDT",
	"cosmos":       "ATOMUSDT",
	"stellar":      "XLMUSDT",
	"vechain":      "VETUSDT",
	"filecoin":     "FILUSDT",
	"algorand":     "ALGOUSDT",
	"monero":       "XMRUSDT",
	"bitcoin-cash": "BCHUSDT",
	"eos":          "EOSUSDT",
	"tezos":        "XTZUSDT",
	"aave":         "AAVEUSDT",
	"compound":     "COMPUSDT",
	"maker":        "MKRUSDT",
}

var coinbasePairs = map[string]string{
	"bitcoin":      "BTC-USD",
	"ethereum":     "ETH-USD",
	"ripple":       "XRP-USD",
	"cardano":      "ADA-USD",
	"solana":       "SOL-USD",
	"polkadot":     "DOT-USD",
	"dogecoin":     "DOGE-USD",
	"shiba-inu":    "SHIB-USD",
	"litecoin":     "LTC-USD",
	"chainlink":    "LINK-USD",
	"avalanche":    "AVAX-USD",
	"uniswap":      "UNI-USD",
	"cosmos":       "ATOM-USD",
	"stellar":      "XLM-USD",
	"filecoin":     "FIL-USD",
	"algorand":     "ALGO-USD",
	"bitcoin-cash": "BCH-USD",
	"eos":          "EOS-USD",
	"tezos":        "XTZ-USD",
	"aave":         "AAVE-USD",
	"compound":     "COMP-USD",
	"maker":        "MKR-USD",
}

// Defaults returns a copy of the built-in table for a source type.
// Unknown source types get an empty table.
func Defaults(source string) map[string]string {
	var base map[string]string
	switch source {
	case "binance", "binance-sdk":
		base = binancePairs
	case "coinbase":
		base = coinbasePairs
	}

	out := make(map[string]string, len(base))
	for name, id := range base {
		out[name] = id
	}
	return out
}

// Table resolves symbols for a single source.
type Table struct {
	source string
	byName map[string]string
	byID   map[string]string
}

// New builds a table from name to id entries. Names are matched
// case-insensitively; ids are kept as given.
func New(source string, entries map[string]string) *Table {
	t := &Table{
		source: source,
		byName: make(map[string]string, len(entries)),
		byID:   make(map[string]string, len(entries)),
	}
	for name, id := range entries {
		name = strings.ToLower(strings.TrimSpace(name))
		id = strings.TrimSpace(id)
		if name == "" || id == "" {
			continue
		}
		t.byName[name] = id
		t.byID[strings.ToUpper(id)] = id
	}
	return t
}

// ForSource builds the default table for a source with overrides merged on top.
func ForSource(source string, overrides map[string]string) *Table {
	entries := Defaults(source)
	for name, id := range overrides {
		entries[name] = id
	}
	return New(source, entries)
}

// Resolve returns the source identifier for symbol. The symbol may be a
// configured name ("bitcoin") or an identifier already in the table ("BTCUSDT").
func (t *Table) Resolve(symbol string) (string, error) {
	key := strings.TrimSpace(symbol)
	if key == "" {
		return "", errors.Configurationf("resolve_symbol", symbol, "symbol is empty")
	}

	if id, ok := t.byName[strings.ToLower(key)]; ok {
		return id, nil
	}
	if id, ok := t.byID[strings.ToUpper(key)]; ok {
		return id, nil
	}

	return "", errors.Configurationf("resolve_symbol", symbol, "unknown symbol for source %q", t.source)
}

// Source returns the source type the table belongs to.
func (t *Table) Source() string {
	return t.source
}

// Len returns the number of configured names.
func (t *Table) Len() int {
	return len(t.byName)
}

// Entries returns the table sorted by name.
func (t *Table) Entries() []Entry {
	entries := make([]Entry, 0, len(t.byName))
	for name, id := range t.byName {
		entries = append(entries, Entry{Name: name, ID: id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
