package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Freshness returns a checker that fails until last reports a successful
// run no older than maxAge. last returns the time of the most recent run
// and its error. A maxAge of zero disables the age check.
func Freshness(name string, maxAge time.Duration, last func() (time.Time, error)) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			at, err := last()
			if err != nil {
				return err
			}
			if at.IsZero() {
				return errors.New("not run yet")
			}
			if maxAge > 0 {
				if age := time.Since(at); age > maxAge {
					return fmt.Errorf("last success %s ago", age.Round(time.Millisecond))
				}
			}
			return nil
		},
	}
}

// Pending returns a checker that fails while pending reports any names,
// e.g. routes that are configured but not linked.
func Pending(name string, pending func() []string) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			if p := pending(); len(p) > 0 {
				return fmt.Errorf("pending: %s", strings.Join(p, ", "))
			}
			return nil
		},
	}
}
