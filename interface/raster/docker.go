package raster

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DefaultGDALImage is an image providing gdalbuildvrt
const DefaultGDALImage = "ghcr.io/osgeo/gdal:ubuntu-small-latest"

type DockerConfig struct {
	Image            string
	RegistryServer   string // "https://europe-west1-docker.pkg.dev" for gcs for example
	RegistryUserName string // _json_key for gcs
	RegistryPassword string // service account for gcs
	VolumesToMount   string // List of volumes to mount (comma separated)
}

// SetFlags configures flag for a docker config
func (cfg *DockerConfig) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Image, "docker-image", DefaultGDALImage, "image providing gdalbuildvrt")
	fs.StringVar(&cfg.RegistryUserName, "docker-registry-username", "_json_key", "username to authentication on private registry")
	fs.StringVar(&cfg.RegistryPassword, "docker-registry-password", "", "password to authentication on private registry")
	fs.StringVar(&cfg.RegistryServer, "docker-registry-server", "", "address of server to authenticate on private registry (e.g. https://europe-west1-docker.pkg.dev)")
	fs.StringVar(&cfg.VolumesToMount, "docker-mount-volumes", "", "list of volumes to mount on the docker (comma separated)")
}

// DockerVRTBuilder runs gdalbuildvrt in a container.
// The directory of the mosaic is mounted at the same path in the container.
type DockerVRTBuilder struct {
	client         *client.Client
	image          string
	volumesToMount []string
	authConfig     string // encoded
}

func NewDockerVRTBuilder(ctx context.Context, config DockerConfig) (*DockerVRTBuilder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create new docker client: %w", err)
	}

	d := DockerVRTBuilder{client: cli, image: config.Image}
	if d.image == "" {
		d.image = DefaultGDALImage
	}
	if config.RegistryUserName != "" && config.RegistryPassword != "" && config.RegistryServer != "" {
		log.Logger(ctx).Info("register to container registry...")
		if d.authConfig, err = registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      config.RegistryUserName,
			Password:      config.RegistryPassword,
			ServerAddress: config.RegistryServer,
		}); err != nil {
			return nil, fmt.Errorf("NewDockerVRTBuilder: %w", err)
		}
	}
	if len(config.VolumesToMount) > 0 {
		d.volumesToMount = strings.Split(config.VolumesToMount, ",")
	}

	if err := d.Ping(ctx, time.Minute); err != nil {
		return nil, fmt.Errorf("NewDockerVRTBuilder: %w", err)
	}
	return &d, nil
}

// Close the docker client
func (d *DockerVRTBuilder) Close() error {
	return d.client.Close()
}

func (d *DockerVRTBuilder) Ping(ctx context.Context, timeout time.Duration) error {
	var err error
	ctx, cnl := context.WithTimeout(ctx, timeout)
	defer cnl()
	for {
		if _, err = d.client.Ping(ctx); err == nil {
			return nil
		}
		log.Logger(ctx).Info("Waiting for docker daemon...")
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to found docker daemon: %w", err)
		case <-time.After(5 * time.Second):
		}
	}
}

// BuildVRT implements VRTBuilder
func (d *DockerVRTBuilder) BuildVRT(ctx context.Context, dst string, sources []string) error {
	dst, err := filepath.Abs(dst)
	if err != nil {
		return fmt.Errorf("BuildVRT: %w", err)
	}
	for i, src := range sources {
		if sources[i], err = filepath.Abs(src); err != nil {
			return fmt.Errorf("BuildVRT: %w", err)
		}
	}
	list, err := writeFileList(dst, sources)
	if err != nil {
		return fmt.Errorf("BuildVRT.%w", err)
	}
	defer os.Remove(list)

	args := append([]string{"gdalbuildvrt"}, buildVRTArgs(nil, list, dst)...)
	if err := d.run(ctx, args, filepath.Dir(dst), mountPoints(sources)); err != nil {
		return fmt.Errorf("BuildVRT[%s]: %w", dst, err)
	}
	return nil
}

// mountPoints returns the directories of the paths, without duplicates
func mountPoints(paths []string) []string {
	set := service.StringSet{}
	for _, p := range paths {
		set.Push(filepath.Dir(p))
	}
	return set.Slice()
}

func (d *DockerVRTBuilder) run(ctx context.Context, args []string, workdir string, readOnly []string) error {
	imageInfo, err := d.localImageInfo(ctx, d.image)
	if err != nil {
		log.Logger(ctx).Info("pulling image " + d.image)
		if imageInfo, err = d.pullImage(ctx, d.image); err != nil {
			return fmt.Errorf("run: %w", err)
		}
	}

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: workdir,
		Target: workdir,
	}}
	for _, volume := range append(readOnly, d.volumesToMount...) {
		if volume == workdir {
			continue
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   volume,
			Target:   volume,
			ReadOnly: true,
		})
	}

	containerConfig := &container.Config{
		Image:        imageInfo.ID,
		Cmd:          args,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workdir,
		User:         fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
	}
	hostConfig := &container.HostConfig{Mounts: mounts}

	created, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create %s container: %w", d.image, err)
	}
	defer func() {
		if err := d.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Logger(ctx).Sugar().Warnf("failed to remove container: %s", created.ID)
		}
	}()

	if err = d.runContainer(ctx, created.ID); err != nil {
		return fmt.Errorf("failed to run %s container: %w", d.image, err)
	}
	return nil
}

func (d *DockerVRTBuilder) pullImage(ctx context.Context, ref string) (image.Summary, error) {
	rc, err := d.client.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: d.authConfig})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "timeout") {
			err = service.MakeTemporary(err)
		}
		return image.Summary{}, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()
	log.NewToolLog("docker pull", nil).Lines(ctx, rc, log.Stdout)
	return d.localImageInfo(ctx, ref)
}

func (d *DockerVRTBuilder) localImageInfo(ctx context.Context, ref string) (image.Summary, error) {
	images, err := d.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return image.Summary{}, service.MakeTemporary(fmt.Errorf("failed to list image %s: %w", ref, err))
	}
	if len(images) < 1 {
		return image.Summary{}, service.MakeTemporary(fmt.Errorf("not found: %s", ref))
	}
	return images[0], nil
}

func (d *DockerVRTBuilder) runContainer(ctx context.Context, containerID string) error {
	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to retrieve logs: %w", err)
	}
	defer logs.Close()

	// stream is multiplexed
	tl := log.NewToolLog(d.image, log.GDALLines)
	outr, outw := io.Pipe()
	errr, errw := io.Pipe()
	done := make(chan struct{}, 2)
	go func() {
		tl.Lines(ctx, outr, log.Stdout)
		done <- struct{}{}
	}()
	go func() {
		tl.Lines(ctx, errr, log.Stderr)
		done <- struct{}{}
	}()
	_, err = stdcopy.StdCopy(outw, errw, logs)
	outw.Close()
	errw.Close()
	<-done
	<-done
	if err != nil {
		log.Logger(ctx).Sugar().Warnf("failed to read container logs: %v", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case exit := <-statusCh:
		if exit.StatusCode != 0 {
			return tl.Err(fmt.Errorf("exit status %d", exit.StatusCode))
		}
	}
	return nil
}
