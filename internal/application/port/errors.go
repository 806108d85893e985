package port

import (
	"errors"
	"fmt"
	"strings"

	"xfeed/internal/domain/model"
)

var (
	// ErrUnauthorized means the venue rejected the credentials. Callers must
	// not retry with the same credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnknownSymbol means the venue does not list one or more requested symbols.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrListenKeyExpired means the venue revoked a user stream listen key.
	// The key must be acquired again; renewing it keeps failing.
	ErrListenKeyExpired = errors.New("listen key expired")
)

// UnknownSymbolError names the symbols a venue rejected.
type UnknownSymbolError struct {
	Venue   model.Venue
	Symbols []string
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("%s: unknown symbols [%s]", e.Venue, strings.Join(e.Symbols, ","))
}

func (e *UnknownSymbolError) Is(target error) bool { return target == ErrUnknownSymbol }

// IsUnauthorized reports whether err is a credential rejection.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsListenKeyExpired reports whether err means the listen key is gone.
func IsListenKeyExpired(err error) bool { return errors.Is(err, ErrListenKeyExpired) }

// UnknownSymbols extracts the rejected symbols, if err is an unknown symbol error.
func UnknownSymbols(err error) ([]string, bool) {
	var e *UnknownSymbolError
	if errors.As(err, &e) {
		return e.Symbols, true
	}
	return nil, false
}
