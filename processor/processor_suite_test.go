package processor_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/geometry"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestProcessor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Processor Suite")
}

type testSource struct {
	name   string
	raster bool
}

func (s testSource) Name() string   { return s.name }
func (s testSource) IsRaster() bool { return s.raster }

// fakeInspector reads "ratio" from the content of the file and the crs from its name
type fakeInspector struct{}

func (fakeInspector) CRS(ctx context.Context, path string) (geometry.CRS, error) {
	parts := strings.Split(filepath.Base(path), "_")
	if len(parts) < 2 {
		return 0, fmt.Errorf("no crs in %s", path)
	}
	switch {
	case strings.HasPrefix(parts[1], "UTM"):
		zone, err := strconv.Atoi(strings.TrimRight(parts[1][3:], "NS"))
		if err != nil {
			return 0, err
		}
		return geometry.UTMCRS(zone, strings.HasSuffix(parts[1], "N")), nil
	case strings.HasPrefix(parts[1], "EPSG"):
		return geometry.ParseCRS(parts[1][4:])
	}
	return 0, fmt.Errorf("no crs in %s", path)
}

func (fakeInspector) ValidRatio(ctx context.Context, path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	ratio, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, &service.BadDataError{Path: path, Reason: err.Error()}
	}
	return ratio, nil
}

// recordingBuilder writes the list of sources as vrt
type recordingBuilder struct {
	mu    sync.Mutex
	built map[string][]string
}

func (b *recordingBuilder) BuildVRT(ctx context.Context, dst string, sources []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built == nil {
		b.built = map[string][]string{}
	}
	sorted := append([]string{}, sources...)
	sort.Strings(sorted)
	b.built[dst] = sorted
	return os.WriteFile(dst, []byte(strings.Join(sorted, "\n")), 0644)
}

func writeFile(path, content string) {
	Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
	Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
}
