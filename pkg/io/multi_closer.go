// Package pkgio contains small I/O helpers shared across the layers.
package pkgio

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
)

// Close closes every closer in order, collecting the errors instead of
// stopping at the first one.
func Close(closers ...io.Closer) error {
	var errs error
	for i, closer := range closers {
		if err := closer.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("error closing closer %d: %w", i, err))
		}
	}
	return errs
}
