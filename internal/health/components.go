package health

import (
	"context"
	"errors"

	"github.com/onnwee/carevault/internal/keystore"
	"github.com/onnwee/carevault/internal/ledger"
)

// ErrNoActiveKey is returned when the key store has no usable key.
var ErrNoActiveKey = errors.New("key store has no active key")

// LedgerHead is the ledger surface read by LedgerChecker.
type LedgerHead interface {
	Head(ctx context.Context) (ledger.Entry, bool, error)
}

// LedgerChecker succeeds when the ledger head can be read.
func LedgerChecker(l LedgerHead) Checker {
	return CheckerFunc(func(ctx context.Context) error {
		_, _, err := l.Head(ctx)
		return err
	})
}

// ActiveKeyProvider is the key store surface read by KeyStoreChecker.
type ActiveKeyProvider interface {
	Active() (keystore.Key, error)
}

// KeyStoreChecker succeeds when an ACTIVE data key is loaded.
func KeyStoreChecker(keys ActiveKeyProvider) Checker {
	return CheckerFunc(func(context.Context) error {
		if _, err := keys.Active(); err != nil {
			return errors.Join(ErrNoActiveKey, err)
		}
		return nil
	})
}
