package exchange

import "fmt"

// Credentials bundles whatever an adapter needs to authenticate. Fields
// unused by a given adapter tag are ignored.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string // OKX only
	IsTestnet  bool
	ProxyURL   string // OKX only
}

// New builds the Exchange adapter named by tag ("binance", "okx",
// "mock"). Unknown tags are a configuration mistake, not a transient
// condition, so this returns a plain error rather than an *apperr.Error.
func New(tag string, creds Credentials) (Exchange, error) {
	switch tag {
	case "binance":
		return NewBinance(creds.APIKey, creds.APISecret, creds.IsTestnet), nil
	case "okx":
		return NewOKX(creds.APIKey, creds.APISecret, creds.Passphrase, creds.IsTestnet, creds.ProxyURL), nil
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("exchange: unknown adapter %q", tag)
	}
}
