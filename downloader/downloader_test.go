package downloader_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airbusgeo/geocube-fetcher/common"
	"github.com/airbusgeo/geocube-fetcher/downloader"
	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/geometry"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Download", func() {
	var (
		ctx       context.Context
		dir       string
		root      string
		src       *fakeSource
		builder   *recordingBuilder
		publisher *recordingPublisher
		counters  *downloader.Counters
		job       downloader.Job
	)

	utm31N := geometry.UTMCRS(31, true)
	// 5 tiles of 10km
	aoi := geometry.GeoBoundingBox{Left: 400000, Bottom: 5000000, Right: 450000, Top: 5010000, CRS: utm31N}
	tilePath := func(left float64, ext string) string {
		return filepath.Join(root, "s2_"+common.TileID("UTM31N", left, 5000000)+ext)
	}

	newJob := func() downloader.Job {
		counters = &downloader.Counters{}
		return downloader.Job{
			ProjectDir:  dir,
			Credentials: []string{"a", "b"},
			AOI:         aoi,
			Source:      src,
			Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			Resolution:  10,
			TileShape:   1000,
			CRS:         &utm31N,
			Retry:       service.RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond, Retryable: service.IsTransfer},
			Publisher:   publisher,
			Inspector:   fakeInspector{},
			VRTBuilder:  builder,
			Counters:    counters,
		}
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		dir, err = os.MkdirTemp("", "downloader")
		Expect(err).NotTo(HaveOccurred())
		root = filepath.Join(dir, "s2")
		src = newFakeSource(true)
		builder = &recordingBuilder{}
		publisher = &recordingPublisher{}
		job = newJob()
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	Context("with a raster source", func() {
		It("should download every tile and create the mosaic", func() {
			Expect(downloader.Download(ctx, job)).To(Succeed())
			for left := 400000.; left < 450000; left += 10000 {
				b, err := os.ReadFile(tilePath(left, ".tif"))
				Expect(err).NotTo(HaveOccurred())
				Expect(string(b)).To(Equal("1"))
			}
			Expect(src.totalAttempts()).To(Equal(5))
			Expect(src.sessions).To(ConsistOf("a", "b"))
			Expect(counters.Snapshot()).To(Equal(map[string]int64{"total": 5, "done": 5, "skipped": 0, "failed": 0}))

			vrt := filepath.Join(root, "s2_UTM31N.vrt")
			Expect(builder.built).To(HaveKey(vrt))
			Expect(builder.built[vrt]).To(HaveLen(5))
		})

		It("should not transfer anything on a second run", func() {
			Expect(downloader.Download(ctx, job)).To(Succeed())
			src.resetAttempts()

			job = newJob()
			Expect(downloader.Download(ctx, job)).To(Succeed())
			Expect(src.totalAttempts()).To(Equal(0))
			Expect(counters.Skipped.Load()).To(Equal(int64(5)))
		})

		It("should download corrupted tiles again", func() {
			Expect(os.MkdirAll(root, 0755)).To(Succeed())
			Expect(os.WriteFile(tilePath(400000, ".tif"), []byte("garbage"), 0644)).To(Succeed())
			Expect(os.WriteFile(tilePath(410000, ".tif"), []byte("1"), 0644)).To(Succeed())

			Expect(downloader.Download(ctx, job)).To(Succeed())
			Expect(src.attemptsOf(400000)).To(Equal(1))
			Expect(src.attemptsOf(410000)).To(Equal(0))
			b, _ := os.ReadFile(tilePath(400000, ".tif"))
			Expect(string(b)).To(Equal("1"))
			Expect(counters.Done.Load()).To(Equal(int64(4)))
			Expect(counters.Skipped.Load()).To(Equal(int64(1)))
		})

		It("should retry transfer errors and report the failed tiles once", func() {
			src.failing[420000] = true
			err := downloader.Download(ctx, job)

			var aerr *service.AggregateFailureError
			Expect(errors.As(err, &aerr)).To(BeTrue())
			Expect(aerr.Failed).To(Equal(1))
			Expect(aerr.Total).To(Equal(5))
			Expect(src.attemptsOf(420000)).To(Equal(5))
			Expect(src.attemptsOf(400000)).To(Equal(1))
			Expect(tilePath(420000, ".tif")).NotTo(BeAnExistingFile())
			Expect(tilePath(430000, ".tif")).To(BeAnExistingFile())
			Expect(builder.built).To(BeEmpty())
		})

		It("should not retry a chip that does not exist", func() {
			src.notFound[410000] = true
			err := downloader.Download(ctx, job)

			var aerr *service.AggregateFailureError
			Expect(errors.As(err, &aerr)).To(BeTrue())
			Expect(aerr.Failed).To(Equal(1))
			Expect(src.attemptsOf(410000)).To(Equal(0))
		})

		It("should stop on a fatal error", func() {
			job.Credentials = []string{"a"}
			src.fatal[420000] = true
			err := downloader.Download(ctx, job)
			Expect(err).To(HaveOccurred())
			Expect(service.Fatal(err)).To(BeTrue())
			var aerr *service.AggregateFailureError
			Expect(errors.As(err, &aerr)).To(BeFalse())
			Expect(src.attemptsOf(420000)).To(Equal(1))
		})

		It("should stop if a session cannot be opened", func() {
			job.Credentials = []string{"invalid"}
			err := downloader.Download(ctx, job)
			Expect(service.Fatal(err)).To(BeTrue())
			Expect(src.totalAttempts()).To(Equal(0))
		})

		It("should use a single worker in debug mode", func() {
			job.Debug = true
			Expect(downloader.Download(ctx, job)).To(Succeed())
			Expect(src.sessions).To(Equal([]string{"a"}))
		})

		It("should fail the fresh tiles that are not clean if asked", func() {
			src.garbage[430000] = true
			job.CheckClean = true
			err := downloader.Download(ctx, job)

			var aerr *service.AggregateFailureError
			Expect(errors.As(err, &aerr)).To(BeTrue())
			Expect(aerr.Failed).To(Equal(1))
			Expect(tilePath(430000, ".tif")).NotTo(BeAnExistingFile())
		})

		It("should keep the fresh tiles that are not clean otherwise", func() {
			src.garbage[430000] = true
			Expect(downloader.Download(ctx, job)).To(Succeed())
			Expect(tilePath(430000, ".tif")).To(BeAnExistingFile())
		})

		It("should publish an event per tile and per job", func() {
			src.failing[400000] = true
			Expect(downloader.Download(ctx, job)).NotTo(Succeed())

			events := publisher.Events()
			Expect(events).To(HaveLen(6))
			statuses := map[common.Status]int{}
			for _, e := range events[:5] {
				Expect(e.Type).To(Equal(common.EventTypeChip))
				Expect(e.Source).To(Equal("s2"))
				statuses[e.Status]++
			}
			Expect(statuses).To(Equal(map[common.Status]int{common.StatusDONE: 4, common.StatusFAILED: 1}))
			last := events[5]
			Expect(last.Type).To(Equal(common.EventTypeJob))
			Expect(last.Status).To(Equal(common.StatusFAILED))
			Expect(last.Failed).To(Equal(1))
			Expect(last.Total).To(Equal(5))
		})

		It("should remove the partial files when cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			defer cancel()
			src.started = make(chan struct{}, 10)
			job.Credentials = []string{"a"}

			done := make(chan error)
			go func() { done <- downloader.Download(cctx, job) }()
			Eventually(src.started).Should(Receive())
			cancel()

			var err error
			Eventually(done, 5*time.Second).Should(Receive(&err))
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			for _, f := range files(root) {
				Expect(strings.HasPrefix(filepath.Base(f), "._")).To(BeFalse(), f)
			}
			Expect(tilePath(400000, ".tif")).NotTo(BeAnExistingFile())
			Expect(builder.built).To(BeEmpty())
		})

		It("should keep the tiles completed before the cancellation", func() {
			cctx, cancel := context.WithCancel(ctx)
			defer cancel()
			src.started = make(chan struct{}, 10)
			src.blocking[400000] = true
			// the job is cancelled right after the second tile is written, before its worker returns
			src.written = func(left float64) {
				if left == 410000 {
					cancel()
				}
			}

			err := downloader.Download(cctx, job)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(tilePath(410000, ".tif")).To(BeAnExistingFile())
			b, _ := os.ReadFile(tilePath(410000, ".tif"))
			Expect(string(b)).To(Equal("1"))
			Expect(tilePath(400000, ".tif")).NotTo(BeAnExistingFile())
			for _, f := range files(root) {
				Expect(strings.HasPrefix(filepath.Base(f), "._")).To(BeFalse(), f)
			}
			Expect(builder.built).To(BeEmpty())
		})

		It("should download time series without mosaic", func() {
			job.AsTimeSeries = true
			Expect(downloader.Download(ctx, job)).To(Succeed())
			image := filepath.Join(strings.TrimSuffix(tilePath(400000, ".tif"), ".tif"), "20240101.tif")
			Expect(image).To(BeAnExistingFile())
			Expect(builder.built).To(BeEmpty())

			Expect(os.WriteFile(image, []byte("garbage"), 0644)).To(Succeed())
			job = newJob()
			job.AsTimeSeries = true
			Expect(downloader.Download(ctx, job)).To(Succeed())
			b, _ := os.ReadFile(image)
			Expect(string(b)).To(Equal("1"))
		})
	})

	Context("with a vector source", func() {
		BeforeEach(func() {
			src = newFakeSource(false)
			job = newJob()
			job.Format = common.FormatCSV
		})

		It("should merge the tiles", func() {
			Expect(downloader.Download(ctx, job)).To(Succeed())
			Expect(tilePath(400000, ".csv")).To(BeAnExistingFile())

			b, err := os.ReadFile(filepath.Join(root, "merged.csv"))
			Expect(err).NotTo(HaveOccurred())
			lines := strings.Split(strings.TrimSpace(string(b)), "\n")
			Expect(lines).To(HaveLen(6))
			Expect(lines[0]).To(Equal("tile,value"))
			Expect(builder.built).To(BeEmpty())
		})

		It("should default to GeoJSON", func() {
			job.Format = common.FormatGeoTIFF
			src.failing[400000] = true
			Expect(downloader.Download(ctx, job)).NotTo(Succeed())
			Expect(publisher.Events()[0].Path).To(HaveSuffix(".geojson"))
		})
	})

	It("should refuse an invalid job", func() {
		job.ProjectDir = filepath.Join(dir, "missing")
		err := downloader.Download(ctx, job)
		Expect(service.Fatal(err)).To(BeTrue())

		job = newJob()
		job.TileShape = 0
		Expect(downloader.Download(ctx, job)).NotTo(Succeed())
		Expect(publisher.Events()).To(BeEmpty())
	})
})
