package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airbusgeo/geocube-fetcher/common"
	"github.com/airbusgeo/geocube-fetcher/service/geometry"
	"github.com/airbusgeo/geocube-fetcher/service/progress"
)

// ErrChipNotFound is returned by Get when the backend has no data for the chip.
// It is not a transfer error: it is never retried.
var ErrChipNotFound = errors.New("chip not found")

// Query describes the data requested for one tile
type Query struct {
	AOI        geometry.GeoBoundingBox
	Start, End time.Time
	// Options are passed as-is to the backend (e.g. cloud masking, composite method)
	Options map[string]string
}

// DownloadRequest describes how a Downloadable must be written on disk
type DownloadRequest struct {
	// Out is a file, or a directory for time series
	Out           string
	Region        geometry.GeoBoundingBox
	CRS           geometry.CRS
	Bands         []string
	Scale         float64
	Format        common.Format
	MaxTileSizeMB int
	// Progress may be nil
	Progress progress.Reporter
}

// Downloadable is a handle on data that is ready to be transferred
type Downloadable interface {
	// Download writes the data to req.Out. Errors during the transfer are temporary.
	Download(ctx context.Context, req DownloadRequest) error
}

// Session is a connection to a backend bound to one credential.
// A session is owned by one worker.
type Session interface {
	Close() error
}

// DataSource is a collection that can be fetched chip by chip
type DataSource interface {
	// Name is used in file names
	Name() string
	FullName() string
	IsRaster() bool
	DefaultSelectedBands() []string
	// PixelRange is the range of valid pixel values
	PixelRange() [2]float64

	NewSession(ctx context.Context, credential string) (Session, error)
	// Get returns a handle on the data of q. It does not transfer any pixel.
	Get(ctx context.Context, s Session, q Query) (Downloadable, error)
	// GetTimeSeries returns a handle on every image of q.
	GetTimeSeries(ctx context.Context, s Session, q Query) (Downloadable, error)
}

// Kind of DataSource
type Kind string

const (
	KindCompute Kind = "compute"
	KindArchive Kind = "archive"
)

// Config describes a DataSource
type Config struct {
	Kind       Kind
	Name       string
	FullName   string
	Raster     bool
	Bands      []string
	PixelRange [2]float64
	// Endpoint and Collection of a compute backend
	Endpoint   string
	Collection string
	// URIPattern of an archive (see common.FormatBrackets)
	URIPattern string
	// S3Region of an archive stored on s3
	S3Region string
}

// New creates the DataSource described by cfg
func New(cfg Config) (DataSource, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("source.New: missing name")
	}
	if cfg.FullName == "" {
		cfg.FullName = cfg.Name
	}
	switch cfg.Kind {
	case KindCompute:
		return NewComputeSource(cfg)
	case KindArchive:
		return NewArchiveSource(cfg)
	}
	return nil, fmt.Errorf("source.New: unknown kind %q", cfg.Kind)
}

type base struct {
	name, fullName string
	raster         bool
	bands          []string
	pixelRange     [2]float64
}

func newBase(cfg Config) base {
	return base{name: cfg.Name, fullName: cfg.FullName, raster: cfg.Raster, bands: cfg.Bands, pixelRange: cfg.PixelRange}
}

func (b base) Name() string                   { return b.name }
func (b base) FullName() string               { return b.fullName }
func (b base) IsRaster() bool                 { return b.raster }
func (b base) DefaultSelectedBands() []string { return b.bands }
func (b base) PixelRange() [2]float64         { return b.pixelRange }
