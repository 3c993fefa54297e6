package symbols

import (
	"testing"

	"github.com/johnayoung/go-kline-collector/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	binance := Defaults("binance")
	assert.Len(t, binance, 26)
	assert.Equal(t, "BTCUSDT", binance["bitcoin"])
	assert.Equal(t, "MKRUSDT", binance["maker"])
	assert.Equal(t, binance, Defaults("binance-sdk"))

	assert.Equal(t, "BTC-USD", Defaults("coinbase")["bitcoin"])
	assert.Empty(t, Defaults("kraken"))

	binance["bitcoin"] = "changed"
	assert.Equal(t, "BTCUSDT", Defaults("binance")["bitcoin"], "defaults must be copied")
}

func TestTable_Resolve(t *testing.T) {
	table := ForSource("binance", nil)

	tests := []struct {
		name   string
		symbol string
		want   string
	}{
		{"by name", "bitcoin", "BTCUSDT"},
		{"name is case-insensitive", "Ethereum", "ETHUSDT"},
		{"surrounding space", "  solana ", "SOLUSDT"},
		{"known id", "BTCUSDT", "BTCUSDT"},
		{"known id lowercase", "dogeusdt", "DOGEUSDT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.Resolve(tt.symbol)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTable_ResolveUnknown(t *testing.T) {
	table := ForSource("binance", nil)

	for _, symbol := range []string{"unknowncoin", "", "BTC-USD"} {
		_, err := table.Resolve(symbol)
		require.Error(t, err, symbol)
		assert.ErrorIs(t, err, errors.ErrConfiguration)
	}
}

func TestForSource_Overrides(t *testing.T) {
	table := ForSource("coinbase", map[string]string{
		"pepe":    "PEPE-USD",
		"bitcoin": "BTC-USDC",
	})

	id, err := table.Resolve("pepe")
	require.NoError(t, err)
	assert.Equal(t, "PEPE-USD", id)

	id, err = table.Resolve("bitcoin")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDC", id)

	assert.Equal(t, "coinbase", table.Source())
	assert.Equal(t, len(Defaults("coinbase"))+1, table.Len())
}

func TestNew_SkipsBlankEntries(t *testing.T) {
	table := New("binance", map[string]string{"": "X", "y": " ", "Zed": "ZEDUSDT"})
	assert.Equal(t, []Entry{{Name: "zed", ID: "ZEDUSDT"}}, table.Entries())
}

func TestTable_EntriesSorted(t *testing.T) {
	entries := ForSource("binance", nil).Entries()
	require.Len(t, entries, 26)
	assert.Equal(t, "aave", entries[0].Name)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Name, entries[i].Name)
	}
}
