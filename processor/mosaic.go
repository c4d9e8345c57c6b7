package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbusgeo/geocube-fetcher/interface/raster"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/airbusgeo/geocube-fetcher/tiler"
)

// VRTPath returns the path of the mosaic of a group of tiles: {root}/{source}_{crsLabel}.vrt
func VRTPath(tracker *tiler.TileTracker, crsLabel string) string {
	return filepath.Join(tracker.Root(), tracker.Source().Name()+"_"+crsLabel+".vrt")
}

// CreateVRTs groups the tracked rasters by crs and builds one mosaic per group.
// Existing mosaics are overwritten.
func CreateVRTs(ctx context.Context, tracker *tiler.TileTracker, inspector raster.Inspector, builder raster.VRTBuilder) ([]string, error) {
	crsToPaths, err := tracker.CRSToPaths(ctx, inspector)
	if err != nil {
		return nil, fmt.Errorf("CreateVRTs.%w", err)
	}
	if len(crsToPaths) == 0 {
		log.Logger(ctx).Sugar().Warnf("no tile found in %s: no mosaic created", tracker.Root())
		return nil, nil
	}
	var vrts []string
	for _, crs := range tiler.SortedCRS(crsToPaths) {
		paths := crsToPaths[crs]
		vrt := VRTPath(tracker, tiler.NameCRS(crs))
		if _, err := os.Stat(vrt); err == nil {
			log.Logger(ctx).Sugar().Warnf("overwriting %s", vrt)
		}
		if err := builder.BuildVRT(ctx, vrt, paths); err != nil {
			return vrts, fmt.Errorf("CreateVRTs.%w", err)
		}
		log.Logger(ctx).Sugar().Infof("mosaic of %d tiles created at %s", len(paths), vrt)
		vrts = append(vrts, vrt)
	}
	return vrts, nil
}
