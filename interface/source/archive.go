package source

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	neturl "net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/geocube-fetcher/common"
	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/tiler"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jlaffaye/ftp"
	"google.golang.org/api/option"
)

// ArchiveSource is a collection of pre-computed chips stored behind a uri pattern, e.g.
// gs://bucket/{SOURCE}/{CRS}/{TILE}.tif or ftp://ftp.example.org:21/chips/{LEFT}_{BOTTOM}.tif
// Available keys: SOURCE, CRS, LEFT, BOTTOM, TILE, START, END (see common.FormatBrackets)
type ArchiveSource struct {
	base
	pattern  string
	scheme   string
	s3Region string
}

// NewArchiveSource creates a new ArchiveSource on cfg.URIPattern
func NewArchiveSource(cfg Config) (*ArchiveSource, error) {
	if cfg.URIPattern == "" {
		return nil, fmt.Errorf("NewArchiveSource: missing uri pattern")
	}
	scheme := "file"
	if i := strings.Index(cfg.URIPattern, "://"); i > 0 {
		scheme = strings.ToLower(cfg.URIPattern[:i])
	}
	switch scheme {
	case "file", "gs", "s3", "ftp", "http", "https":
	default:
		return nil, fmt.Errorf("NewArchiveSource: unsupported scheme %s", scheme)
	}
	return &ArchiveSource{base: newBase(cfg), pattern: cfg.URIPattern, scheme: scheme, s3Region: cfg.S3Region}, nil
}

type archiveSession struct {
	gs   *storage.Client
	s3   *s3.Client
	ftp  *ftp.ServerConn
	http *http.Client
	// basic auth of http archives
	user, password string
}

func (s *archiveSession) Close() error {
	var err error
	if s.gs != nil {
		err = s.gs.Close()
	}
	if s.ftp != nil {
		err = service.MergeErrors(true, err, s.ftp.Quit())
	}
	return err
}

func splitCredential(credential string) (string, string) {
	user, password, _ := strings.Cut(credential, ":")
	return user, password
}

// NewSession implements DataSource. The meaning of credential depends on the scheme:
// gs: path of a service account json file (empty for the default credentials),
// s3: "accessKeyID:secretAccessKey" (empty for the default credentials),
// ftp and http: "user:password".
func (as *ArchiveSource) NewSession(ctx context.Context, credential string) (Session, error) {
	sess := &archiveSession{}
	switch as.scheme {
	case "gs":
		var opts []option.ClientOption
		if credential != "" {
			opts = append(opts, option.WithCredentialsFile(credential))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("ArchiveSource.NewSession.storage: %w", err)
		}
		sess.gs = client
	case "s3":
		opts := []func(*config.LoadOptions) error{}
		if as.s3Region != "" {
			opts = append(opts, config.WithRegion(as.s3Region))
		}
		if credential != "" {
			id, secret := splitCredential(credential)
			opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, "")))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("ArchiveSource.NewSession.LoadDefaultConfig: %w", err)
		}
		sess.s3 = s3.NewFromConfig(cfg)
	case "ftp":
		u, err := neturl.Parse(as.pattern)
		if err != nil {
			return nil, fmt.Errorf("ArchiveSource.NewSession.Parse: %w", err)
		}
		ftpOption := []ftp.DialOption{ftp.DialWithTimeout(5 * time.Second), ftp.DialWithContext(ctx)}
		if u.Port() == "990" {
			ftpOption = append(ftpOption, ftp.DialWithTLS(&tls.Config{InsecureSkipVerify: true}))
		}
		c, err := ftp.Dial(u.Host, ftpOption...)
		if err != nil {
			return nil, service.MakeTemporary(fmt.Errorf("ArchiveSource.NewSession.Dial: %w", err))
		}
		user, password := splitCredential(credential)
		if user == "" {
			user, password = "anonymous", "anonymous"
		}
		if err = c.Login(user, password); err != nil {
			c.Quit()
			return nil, service.MakeFatal(fmt.Errorf("ArchiveSource.NewSession.Login: %w", err))
		}
		sess.ftp = c
	case "http", "https":
		sess.http = &http.Client{}
		sess.user, sess.password = splitCredential(credential)
	}
	return sess, nil
}

// URI returns the location of the chip of q
func (as *ArchiveSource) URI(q Query) (string, error) {
	info := common.ChipInfo(as.name, tiler.NameCRS(q.AOI.CRS), q.AOI.Left, q.AOI.Bottom, q.Start, q.End)
	uri := common.FormatBrackets(as.pattern, info)
	if missing := common.MissingBrackets(uri); len(missing) > 0 {
		return "", service.MakeFatal(fmt.Errorf("ArchiveSource: unknown keys %v in %s", missing, as.pattern))
	}
	return uri, nil
}

// Get implements DataSource. It checks that the chip exists.
func (as *ArchiveSource) Get(ctx context.Context, s Session, q Query) (Downloadable, error) {
	sess, ok := s.(*archiveSession)
	if !ok {
		return nil, service.MakeFatal(fmt.Errorf("ArchiveSource: unexpected session %T", s))
	}
	uri, err := as.URI(q)
	if err != nil {
		return nil, err
	}
	chip := &archiveChip{source: as, session: sess, uri: uri}
	if err := chip.checkExists(ctx); err != nil {
		return nil, fmt.Errorf("ArchiveSource.Get[%s]: %w", uri, err)
	}
	return chip, nil
}

// GetTimeSeries implements DataSource
func (as *ArchiveSource) GetTimeSeries(ctx context.Context, s Session, q Query) (Downloadable, error) {
	return nil, service.MakeFatal(fmt.Errorf("ArchiveSource: time series are not supported"))
}

type archiveChip struct {
	source  *ArchiveSource
	session *archiveSession
	uri     string
}

func splitBucket(uri string) (string, string) {
	uri = uri[strings.Index(uri, "://")+3:]
	bucket, key, _ := strings.Cut(uri, "/")
	return bucket, key
}

func localPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func ftpPath(uri string) string {
	u, err := neturl.Parse(uri)
	if err != nil {
		return uri
	}
	return u.Path
}

func isFTPNotFound(err error) bool {
	var terr *textproto.Error
	return errors.As(err, &terr) && terr.Code == ftp.StatusFileUnavailable
}

// checkExists returns ErrChipNotFound if the chip does not exist
func (ac *archiveChip) checkExists(ctx context.Context) error {
	switch ac.source.scheme {
	case "gs":
		bucket, object := splitBucket(ac.uri)
		if _, err := ac.session.gs.Bucket(bucket).Object(object).Attrs(ctx); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return ErrChipNotFound
			}
			return service.MakeTemporary(err)
		}
	case "s3":
		bucket, key := splitBucket(ac.uri)
		if _, err := ac.session.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
			var nf *types.NotFound
			if errors.As(err, &nf) {
				return ErrChipNotFound
			}
			return service.MakeTemporary(err)
		}
	case "ftp":
		if _, err := ac.session.ftp.FileSize(ftpPath(ac.uri)); err != nil {
			if isFTPNotFound(err) {
				return ErrChipNotFound
			}
			return service.MakeTemporary(err)
		}
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, ac.uri, nil)
		if err != nil {
			return err
		}
		ac.session.setAuth(req.Header)
		resp, err := ac.session.http.Do(req)
		if err != nil {
			return service.MakeTemporary(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return ErrChipNotFound
		}
		if err := service.CheckResponse(resp); err != nil {
			return err
		}
	default:
		if _, err := os.Stat(localPath(ac.uri)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return ErrChipNotFound
			}
			return err
		}
	}
	return nil
}

func (s *archiveSession) setAuth(h http.Header) {
	if s.user != "" {
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(s.user+":"+s.password)))
	}
}

// Download implements Downloadable
func (ac *archiveChip) Download(ctx context.Context, req DownloadRequest) error {
	part := partPath(req.Out)
	defer os.Remove(part)
	if err := ac.fetch(ctx, part, req); err != nil {
		return fmt.Errorf("ArchiveSource.Download[%s].%w", ac.uri, err)
	}
	if err := finalize(ctx, part, req.Out); err != nil {
		return fmt.Errorf("ArchiveSource.Download[%s].%w", ac.uri, err)
	}
	return nil
}

func (ac *archiveChip) fetch(ctx context.Context, part string, req DownloadRequest) error {
	if ac.source.scheme == "http" || ac.source.scheme == "https" {
		header := http.Header{}
		ac.session.setAuth(header)
		return httpDownload(ctx, ac.session.http, ac.uri, part, ac.uri, header, req.Progress)
	}

	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("fetch.Create: %w", err)
	}
	defer f.Close()

	switch ac.source.scheme {
	case "gs":
		bucket, object := splitBucket(ac.uri)
		r, err := ac.session.gs.Bucket(bucket).Object(object).NewReader(ctx)
		if err != nil {
			return service.MakeTemporary(fmt.Errorf("fetch.NewReader: %w", err))
		}
		defer r.Close()
		if _, err := copyWithProgress(f, r, r.Attrs.Size, ac.uri, req.Progress); err != nil {
			return service.MakeTemporary(fmt.Errorf("fetch.Copy: %w", err))
		}
	case "s3":
		bucket, key := splitBucket(ac.uri)
		downloader := manager.NewDownloader(ac.session.s3, func(d *manager.Downloader) {
			d.PartSize = 10 * 1024 * 1024 // 10MB per part
		})
		if _, err := downloader.Download(ctx, f, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
			return service.MakeTemporary(fmt.Errorf("fetch: failed to download object %s:%s: %w", bucket, key, err))
		}
	case "ftp":
		path := ftpPath(ac.uri)
		size, _ := ac.session.ftp.FileSize(path)
		r, err := ac.session.ftp.Retr(path)
		if err != nil {
			return service.MakeTemporary(fmt.Errorf("fetch.Retr: %w", err))
		}
		defer r.Close()
		if _, err := copyWithProgress(f, r, size, ac.uri, req.Progress); err != nil {
			return service.MakeTemporary(fmt.Errorf("fetch.Copy: %w", err))
		}
	default:
		src, err := os.Open(localPath(ac.uri))
		if err != nil {
			return fmt.Errorf("fetch.Open: %w", err)
		}
		defer src.Close()
		if _, err := io.Copy(f, src); err != nil {
			return service.MakeTemporary(fmt.Errorf("fetch.Copy: %w", err))
		}
	}
	if err := f.Close(); err != nil {
		return service.MakeTemporary(fmt.Errorf("fetch.Close: %w", err))
	}
	return nil
}
