package exchange

import (
	"strings"
)

// SymbolConverter 符号转换接口
// 客户端可以传币种 (BTC) 或交易对 (btc/usdt, BTC-USDT, BTCUSDT)
type SymbolConverter interface {
	// Normalize 转换为交易所格式的交易对, 例: btc -> BTCUSDT
	Normalize(s string) string
	// Coin 例: BTCUSDT -> BTC
	Coin(symbol string) string
}

// CommonSymbolConverter 通用符号转换器 (binance/bybit 统一 BASEQUOTE 格式)
type CommonSymbolConverter struct {
	quote string
}

// NewCommonSymbolConverter 创建通用符号转换器
func NewCommonSymbolConverter(quote string) *CommonSymbolConverter {
	return &CommonSymbolConverter{quote: strings.ToUpper(strings.TrimSpace(quote))}
}

func (c *CommonSymbolConverter) Quote() string { return c.quote }

// Normalize leaves the wildcard and empty input untouched.
func (c *CommonSymbolConverter) Normalize(s string) string {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if sym == "" || sym == "*" {
		return sym
	}
	sym = strings.NewReplacer("/", "", "-", "", "_", "").Replace(sym)
	if c.quote == "" || strings.HasSuffix(sym, c.quote) {
		return sym
	}
	// 已带其他计价币的交易对保持原样
	for _, q := range knownQuotes {
		if q != c.quote && strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return sym
		}
	}
	return sym + c.quote
}

// Coin 去掉计价币后缀
func (c *CommonSymbolConverter) Coin(symbol string) string {
	sym := c.Normalize(symbol)
	if c.quote != "" && strings.HasSuffix(sym, c.quote) && len(sym) > len(c.quote) {
		return strings.TrimSuffix(sym, c.quote)
	}
	return sym
}

var knownQuotes = []string{"USDT", "USDC", "FDUSD"}
