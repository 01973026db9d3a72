//go:build !soma

package soma

import (
	"context"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
)

// Supported reports whether this build can read SOMA experiments.
func Supported() bool { return false }

func (d *Dataset) Load(ctx context.Context, opts data.LoadOptions) (*data.Loaded, error) {
	return nil, errs.Wrap(errs.Reader, ErrUnsupported, d.URI)
}
