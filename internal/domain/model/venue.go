package model

import "strings"

// Venue identifies an external exchange.
type Venue string

const (
	VenueBinance Venue = "BINANCE"
	VenueBybit   Venue = "BYBIT"
	VenueOKX     Venue = "OKX"
	VenueBitget  Venue = "BITGET"
)

// ParseVenue normalizes a client supplied venue name.
func ParseVenue(s string) (Venue, bool) {
	v := Venue(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case VenueBinance, VenueBybit, VenueOKX, VenueBitget:
		return v, true
	default:
		return "", false
	}
}

func (v Venue) String() string { return string(v) }

// Credentials 单个交易所的 API 凭证
type Credentials struct {
	APIKey     string `toml:"api_key" json:"-"`
	Secret     string `toml:"secret" json:"-"`
	Passphrase string `toml:"passphrase" json:"-"` // OKX only
}

func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.Secret) != ""
}

// CredentialSet maps each venue to the user's credentials for it.
type CredentialSet map[Venue]Credentials
