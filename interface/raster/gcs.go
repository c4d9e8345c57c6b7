package raster

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/airbusgeo/osio"
	osioGcs "github.com/airbusgeo/osio/gcs"
	"github.com/airbusgeo/godal"
)

var (
	gcsOnce sync.Once
	gcsErr  error
)

// RegisterGCS lets GDAL read gs://bucket/object uris with ranged reads.
// The first call decides: later calls return the same error.
func RegisterGCS(ctx context.Context) error {
	gcsOnce.Do(func() {
		Register()
		gcsr, err := osioGcs.Handle(ctx)
		if err != nil {
			gcsErr = fmt.Errorf("RegisterGCS.Handle: %w", err)
			return
		}
		adapter, err := osio.NewAdapter(gcsr)
		if err != nil {
			gcsErr = fmt.Errorf("RegisterGCS.NewAdapter: %w", err)
			return
		}
		if err := godal.RegisterVSIHandler("gs://", adapter); err != nil {
			gcsErr = fmt.Errorf("RegisterGCS.RegisterVSIHandler: %w", err)
		}
	})
	return gcsErr
}

// IsGCS returns true for gs:// uris
func IsGCS(path string) bool {
	return strings.HasPrefix(path, "gs://")
}
