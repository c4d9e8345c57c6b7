package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/geometry"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/airbusgeo/geocube-fetcher/service/progress"
	"github.com/airbusgeo/geocube-fetcher/tiler"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultScopes requested when a service account is used as credential
var DefaultScopes = []string{"https://www.googleapis.com/auth/cloud-platform"}

// ComputeSource is a collection served by a remote compute backend.
// The backend renders a chip on demand and returns a short-lived download url.
type ComputeSource struct {
	base
	endpoint   string
	collection string
	scopes     []string
}

// NewComputeSource creates a ComputeSource on cfg.Endpoint/v1/cfg.Collection
func NewComputeSource(cfg Config) (*ComputeSource, error) {
	if cfg.Endpoint == "" || cfg.Collection == "" {
		return nil, fmt.Errorf("NewComputeSource: endpoint and collection are required")
	}
	return &ComputeSource{
		base:       newBase(cfg),
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		collection: cfg.Collection,
		scopes:     DefaultScopes,
	}, nil
}

type computeSession struct {
	client *http.Client
	// serializes the issuance of download urls
	mu sync.Mutex
}

func (s *computeSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// NewSession implements DataSource.
// credential is either the path of a service account json file or an access token.
func (cs *ComputeSource) NewSession(ctx context.Context, credential string) (Session, error) {
	var ts oauth2.TokenSource
	if data, err := os.ReadFile(credential); err == nil {
		creds, err := google.CredentialsFromJSON(ctx, data, cs.scopes...)
		if err != nil {
			return nil, service.MakeFatal(fmt.Errorf("ComputeSource.NewSession.CredentialsFromJSON: %w", err))
		}
		ts = creds.TokenSource
	} else if credential != "" {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential, TokenType: "Bearer"})
	} else {
		return nil, service.MakeFatal(fmt.Errorf("ComputeSource.NewSession: empty credential"))
	}
	return &computeSession{client: oauth2.NewClient(ctx, ts)}, nil
}

func (cs *ComputeSource) session(s Session) (*computeSession, error) {
	sess, ok := s.(*computeSession)
	if !ok {
		return nil, service.MakeFatal(fmt.Errorf("ComputeSource: unexpected session %T", s))
	}
	return sess, nil
}

func (cs *ComputeSource) url(method string) string {
	return fmt.Sprintf("%s/v1/%s:%s", cs.endpoint, cs.collection, method)
}

// Get implements DataSource
func (cs *ComputeSource) Get(ctx context.Context, s Session, q Query) (Downloadable, error) {
	sess, err := cs.session(s)
	if err != nil {
		return nil, err
	}
	if !q.End.IsZero() && q.End.Before(q.Start) {
		return nil, service.MakeFatal(fmt.Errorf("ComputeSource.Get: end date %s is before start date %s", q.End, q.Start))
	}
	return &computeImage{source: cs, session: sess, query: q}, nil
}

// GetTimeSeries implements DataSource
func (cs *ComputeSource) GetTimeSeries(ctx context.Context, s Session, q Query) (Downloadable, error) {
	sess, err := cs.session(s)
	if err != nil {
		return nil, err
	}
	ids, err := cs.listImages(ctx, sess, q)
	if err != nil {
		return nil, fmt.Errorf("ComputeSource.GetTimeSeries.%w", err)
	}
	return &computeTimeSeries{source: cs, session: sess, query: q, imageIDs: ids}, nil
}

type region struct {
	Left   float64 `json:"left"`
	Bottom float64 `json:"bottom"`
	Right  float64 `json:"right"`
	Top    float64 `json:"top"`
	CRS    string  `json:"crs"`
}

func toRegion(b geometry.GeoBoundingBox) region {
	return region{Left: b.Left, Bottom: b.Bottom, Right: b.Right, Top: b.Top, CRS: b.CRS.String()}
}

type listImagesRequest struct {
	Region  region            `json:"region"`
	Start   string            `json:"start,omitempty"`
	End     string            `json:"end,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

type listImagesResponse struct {
	Images []struct {
		ID string `json:"id"`
	} `json:"images"`
}

type downloadURLRequest struct {
	ImageID   string            `json:"imageId,omitempty"`
	Region    region            `json:"region"`
	CRS       string            `json:"crs"`
	Bands     []string          `json:"bands,omitempty"`
	Scale     float64           `json:"scale"`
	Format    string            `json:"format"`
	Start     string            `json:"start,omitempty"`
	End       string            `json:"end,omitempty"`
	MaxSizeMB int               `json:"maxSizeMb,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

type downloadURLResponse struct {
	URL string `json:"url"`
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func (cs *ComputeSource) listImages(ctx context.Context, sess *computeSession, q Query) ([]string, error) {
	var resp listImagesResponse
	req := listImagesRequest{Region: toRegion(q.AOI), Start: formatDate(q.Start), End: formatDate(q.End), Options: q.Options}
	if err := service.HTTPPostJSON(ctx, sess.client, cs.url("listImages"), req, &resp, ""); err != nil {
		return nil, fmt.Errorf("listImages: %w", err)
	}
	ids := make([]string, 0, len(resp.Images))
	for _, img := range resp.Images {
		ids = append(ids, img.ID)
	}
	return ids, nil
}

// downloadURL asks the backend to render the chip. Only one request per session at a time.
func (cs *ComputeSource) downloadURL(ctx context.Context, sess *computeSession, q Query, imageID string, req DownloadRequest) (string, error) {
	body := downloadURLRequest{
		ImageID:   imageID,
		Region:    toRegion(req.Region),
		CRS:       req.CRS.String(),
		Bands:     req.Bands,
		Scale:     req.Scale,
		Format:    req.Format.String(),
		Start:     formatDate(q.Start),
		End:       formatDate(q.End),
		MaxSizeMB: req.MaxTileSizeMB,
		Options:   q.Options,
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	var resp downloadURLResponse
	if err := service.HTTPPostJSON(ctx, sess.client, cs.url("getDownloadUrl"), body, &resp, ""); err != nil {
		var herr *service.HTTPError
		if errors.As(err, &herr) && herr.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("getDownloadUrl: %w: %v", ErrChipNotFound, err)
		}
		return "", fmt.Errorf("getDownloadUrl: %w", err)
	}
	if resp.URL == "" {
		return "", service.MakeTemporary(fmt.Errorf("getDownloadUrl: empty url"))
	}
	return resp.URL, nil
}

func (cs *ComputeSource) transfer(ctx context.Context, sess *computeSession, q Query, imageID string, req DownloadRequest, out string) error {
	url, err := cs.downloadURL(ctx, sess, q, imageID, req)
	if err != nil {
		return err
	}
	part := partPath(out)
	defer os.Remove(part)
	if err := httpDownload(ctx, sess.client, url, part, cs.name+":"+out, nil, req.Progress); err != nil {
		return err
	}
	return finalize(ctx, part, out)
}

type computeImage struct {
	source  *ComputeSource
	session *computeSession
	query   Query
}

// Download implements Downloadable
func (ci *computeImage) Download(ctx context.Context, req DownloadRequest) error {
	if err := ci.source.transfer(ctx, ci.session, ci.query, "", req, req.Out); err != nil {
		return fmt.Errorf("ComputeSource.Download.%w", err)
	}
	return nil
}

type computeTimeSeries struct {
	source   *ComputeSource
	session  *computeSession
	query    Query
	imageIDs []string
}

// Download implements Downloadable. req.Out is a directory; images already there are kept.
func (ts *computeTimeSeries) Download(ctx context.Context, req DownloadRequest) error {
	if err := os.MkdirAll(req.Out, 0755); err != nil {
		return fmt.Errorf("ComputeSource.Download.MkdirAll: %w", err)
	}
	var task progress.TaskID
	if req.Progress != nil {
		task = req.Progress.AddTask("Images of "+filepath.Base(req.Out), int64(len(ts.imageIDs)))
		defer req.Progress.RemoveTask(task)
	}
	for _, id := range ts.imageIDs {
		out, err := tiler.ImagePath(req.Out, id, req.Format.Extension())
		if err != nil {
			return service.MakeFatal(fmt.Errorf("ComputeSource.Download.%w", err))
		}
		if _, err := os.Stat(out); err == nil {
			log.Logger(ctx).Sugar().Debugf("%s already exists", out)
		} else if err := ts.source.transfer(ctx, ts.session, ts.query, id, req, out); err != nil {
			return fmt.Errorf("ComputeSource.Download[%s].%w", id, err)
		}
		if req.Progress != nil {
			req.Progress.Advance(task, 1)
		}
	}
	return nil
}
