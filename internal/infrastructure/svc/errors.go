package svc

import "errors"

// ErrNoVenuesEnabled 错误：没有启用任何可用的交易所适配器
var ErrNoVenuesEnabled = errors.New("no exchange venues enabled")

// ErrVenueDisabled 错误：订阅了未启用的交易所
var ErrVenueDisabled = errors.New("venue not enabled")

// ErrAllSymbolsUnsupported 错误：该主题不支持 "*" 全市场订阅
var ErrAllSymbolsUnsupported = errors.New("all-symbols subscription only supported for tickers")
