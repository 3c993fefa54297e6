package export

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/johnayoung/go-kline-collector/internal/preprocess"
)

// CSVWriter writes a header row followed by one line per record.
type CSVWriter struct{}

func (CSVWriter) Extension() string { return "csv" }

func (CSVWriter) Write(table *preprocess.Table, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(preprocess.Columns); err != nil {
		return err
	}
	for _, r := range table.Records {
		if err := w.Write([]string{
			r.OpenTime.UTC().Format(time.RFC3339Nano),
			floatStr(r.Open),
			floatStr(r.High),
			floatStr(r.Low),
			floatStr(r.Close),
			floatStr(r.Volume),
			r.CloseTime.UTC().Format(time.RFC3339Nano),
			floatStr(r.QuoteAssetVolume),
			strconv.FormatInt(r.NumberOfTrades, 10),
			floatStr(r.TakerBuyBaseVolume),
			floatStr(r.TakerBuyQuoteVolume),
			floatStr(r.Return),
			floatStr(r.Volatility),
			floatStr(r.MAClose),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func floatStr(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// JSONWriter writes an indented array of records.
type JSONWriter struct{}

func (JSONWriter) Extension() string { return "json" }

func (JSONWriter) Write(table *preprocess.Table, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(table.Records); err != nil {
		return err
	}
	return f.Close()
}

// ParquetRecord is the parquet row layout. Times are epoch milliseconds.
type ParquetRecord struct {
	OpenTime            int64   `parquet:"open_time"`
	Open                float64 `parquet:"open"`
	High                float64 `parquet:"high"`
	Low                 float64 `parquet:"low"`
	Close               float64 `parquet:"close"`
	Volume              float64 `parquet:"volume"`
	CloseTime           int64   `parquet:"close_time"`
	QuoteAssetVolume    float64 `parquet:"quote_asset_volume"`
	NumberOfTrades      int64   `parquet:"number_of_trades"`
	TakerBuyBaseVolume  float64 `parquet:"taker_buy_base_volume"`
	TakerBuyQuoteVolume float64 `parquet:"taker_buy_quote_volume"`
	Return              float64 `parquet:"return"`
	Volatility          float64 `parquet:"volatility"`
	MAClose             float64 `parquet:"ma_close"`
}

// ParquetWriter writes a single parquet file per table.
type ParquetWriter struct{}

func (ParquetWriter) Extension() string { return "parquet" }

func (ParquetWriter) Write(table *preprocess.Table, path string) error {
	rows := make([]ParquetRecord, len(table.Records))
	for i, r := range table.Records {
		rows[i] = ParquetRecord{
			OpenTime:            r.OpenTime.UnixMilli(),
			Open:                r.Open,
			High:                r.High,
			Low:                 r.Low,
			Close:               r.Close,
			Volume:              r.Volume,
			CloseTime:           r.CloseTime.UnixMilli(),
			QuoteAssetVolume:    r.QuoteAssetVolume,
			NumberOfTrades:      r.NumberOfTrades,
			TakerBuyBaseVolume:  r.TakerBuyBaseVolume,
			TakerBuyQuoteVolume: r.TakerBuyQuoteVolume,
			Return:              r.Return,
			Volatility:          r.Volatility,
			MAClose:             r.MAClose,
		}
	}
	return parquet.WriteFile(path, rows)
}
