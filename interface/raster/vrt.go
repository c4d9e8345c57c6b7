package raster

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/airbusgeo/godal"
)

// VRTBuilder creates a virtual mosaic referencing every source
type VRTBuilder interface {
	BuildVRT(ctx context.Context, dst string, sources []string) error
}

// GodalVRTBuilder builds the vrt in-process
type GodalVRTBuilder struct {
	Switches []string
}

func NewGodalVRTBuilder(switches ...string) *GodalVRTBuilder {
	Register()
	return &GodalVRTBuilder{Switches: switches}
}

// BuildVRT implements VRTBuilder
func (b *GodalVRTBuilder) BuildVRT(ctx context.Context, dst string, sources []string) error {
	if len(sources) == 0 {
		return fmt.Errorf("BuildVRT: no source")
	}
	ds, err := godal.BuildVRT(dst, sources, b.Switches)
	if err != nil {
		return fmt.Errorf("BuildVRT[%s]: %w", dst, err)
	}
	if err := ds.Close(); err != nil {
		return fmt.Errorf("BuildVRT.Close: %w", err)
	}
	return nil
}

// ExecVRTBuilder runs gdalbuildvrt
type ExecVRTBuilder struct {
	Command  string
	Switches []string
}

func NewExecVRTBuilder(command string, switches ...string) *ExecVRTBuilder {
	if command == "" {
		command = "gdalbuildvrt"
	}
	return &ExecVRTBuilder{Command: command, Switches: switches}
}

// BuildVRT implements VRTBuilder
func (b *ExecVRTBuilder) BuildVRT(ctx context.Context, dst string, sources []string) error {
	list, err := writeFileList(dst, sources)
	if err != nil {
		return fmt.Errorf("BuildVRT.%w", err)
	}
	defer os.Remove(list)

	cmd := exec.Command(b.Command, buildVRTArgs(b.Switches, list, dst)...)
	log.Logger(ctx).Sugar().Debug(strings.Join(cmd.Args, " "))
	if err := log.Run(ctx, cmd, log.NewToolLog(filepath.Base(b.Command), log.GDALLines)); err != nil {
		return fmt.Errorf("BuildVRT[%s]: %w", dst, err)
	}
	return nil
}

func buildVRTArgs(switches []string, list, dst string) []string {
	args := append([]string{}, switches...)
	return append(args, "-overwrite", "-input_file_list", list, dst)
}

// writeFileList writes the sources next to dst, one per line.
// The list is hidden from trackers.
func writeFileList(dst string, sources []string) (string, error) {
	if len(sources) == 0 {
		return "", fmt.Errorf("writeFileList: no source")
	}
	list := filepath.Join(filepath.Dir(dst), "._"+filepath.Base(dst)+".txt")
	if err := os.WriteFile(list, []byte(strings.Join(sources, "\n")+"\n"), 0644); err != nil {
		return "", fmt.Errorf("writeFileList: %w", err)
	}
	return list, nil
}
