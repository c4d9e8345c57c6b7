package service

import (
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/airbusgeo/geocube/interface/storage"
	"github.com/airbusgeo/geocube/interface/storage/uri"
	"github.com/mholt/archiver"
)

// ExtensionZIP is the suffix added to directories exported as an archive
const ExtensionZIP = ".zip"

const (
	uploadAttempts   = 3
	uploadRetryDelay = 2 * time.Second
)

// ErrFileNotFound is returned by Download and Delete
type ErrFileNotFound struct {
	File string
}

func (e ErrFileNotFound) Error() string {
	return fmt.Sprintf("File not found: %s", e.File)
}

func isErrNotFound(err error) bool {
	var epath *os.PathError
	return errors.Is(err, gstorage.ErrObjectNotExist) ||
		(errors.As(err, &epath) && os.IsNotExist(epath))
}

// ExportStorage copies the artifacts of a project (chips, mosaics, merged files) to a remote storage (gs://, s3:// or a local path)
type ExportStorage struct {
	storage storage.Strategy
	uri     uri.DefaultUri
}

// NewExportStorage creates a new ExportStorage on the given uri
func NewExportStorage(ctx context.Context, storageURI string) (*ExportStorage, error) {
	uri, err := uri.ParseUri(storageURI)
	if err != nil {
		return nil, fmt.Errorf("NewExportStorage.ParseURI: %w", err)
	}

	storageClient, err := uri.NewStorageStrategy(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewExportStorage: %w", err)
	}

	return &ExportStorage{storage: storageClient, uri: uri}, nil
}

// Export uploads every path (relative to root) and returns the uris of the uploaded files.
// Directories (time series tiles) are uploaded as zip archives.
func (es *ExportStorage) Export(ctx context.Context, root string, paths []string) ([]string, error) {
	uris := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return uris, fmt.Errorf("Export: %s is not inside %s", p, root)
		}
		dst, err := es.Upload(ctx, p, filepath.ToSlash(rel))
		if err != nil {
			return uris, fmt.Errorf("Export.%w", err)
		}
		uris = append(uris, dst)
	}
	log.Logger(ctx).Sugar().Infof("%d files exported to %s", len(uris), es.uri.String())
	return uris, nil
}

// Upload persists the local file (or directory) into the storage under rel and returns its uri
func (es *ExportStorage) Upload(ctx context.Context, local, rel string) (string, error) {
	info, err := os.Stat(local)
	if err != nil {
		return "", fmt.Errorf("Upload.Stat: %w", err)
	}
	if info.IsDir() {
		dst := strings.TrimSuffix(local, string(filepath.Separator)) + ExtensionZIP
		zipper := archiver.NewZip()
		zipper.CompressionLevel = flate.BestSpeed
		zipper.OverwriteExisting = true
		if err := zipper.Archive([]string{local}, dst); err != nil {
			return "", fmt.Errorf("Upload.Archive: %w", err)
		}
		defer os.Remove(dst)
		local = dst
		rel += ExtensionZIP
	}

	f, err := os.Open(local)
	if err != nil {
		return "", fmt.Errorf("Upload.Open: %w", err)
	}
	defer f.Close()

	dst := es.getPath(rel)
	err = Retriable(ctx, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return es.storage.UploadFile(ctx, dst, f)
	}, uploadRetryDelay, uploadAttempts)
	if err != nil {
		return "", fmt.Errorf("Upload.UploadFile to %s: %w", dst, err)
	}
	log.Logger(ctx).Sugar().Debugf("%s uploaded to %s", local, dst)
	return dst, nil
}

// Download retrieves rel from the storage into the local file
// Raise ErrFileNotFound
func (es *ExportStorage) Download(ctx context.Context, rel, local string) error {
	src := es.getPath(rel)
	if err := es.storage.DownloadToFile(ctx, src, local); err != nil {
		if isErrNotFound(err) {
			return ErrFileNotFound{src}
		}
		return fmt.Errorf("Download.DownloadToFile from %s: %w", src, err)
	}
	return nil
}

// Delete removes rel from the storage
// Raise ErrFileNotFound
func (es *ExportStorage) Delete(ctx context.Context, rel string) error {
	file := es.getPath(rel)
	if err := es.storage.Delete(ctx, file); err != nil {
		if isErrNotFound(err) {
			return ErrFileNotFound{file}
		}
		return fmt.Errorf("Delete.Delete: %w", err)
	}
	return nil
}

func (es *ExportStorage) getPath(rel string) string {
	uri := es.uri.String()
	if !strings.HasSuffix(uri, "/") {
		uri += "/"
	}
	return uri + path.Clean(rel)
}
