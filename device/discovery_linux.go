//go:build linux

package device

import (
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/openvio/facet/camera"
)

// Discover scans /dev/video* nodes, probes each for streaming capture
// support, and returns descriptors for the usable ones. Nodes that fail
// to open or negotiate are skipped with a debug log.
func Discover(log *slog.Logger) []camera.Desc {
	if log == nil {
		log = slog.Default()
	}
	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		log.Error("device scan failed", "error", err)
		return nil
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodeNumber(nodes[i]) < nodeNumber(nodes[j])
	})

	var descs []camera.Desc
	for _, node := range nodes {
		cap := NewV4L2Capture(log)
		if err := cap.Open(node, camera.DefaultConfig.Width, camera.DefaultConfig.Height); err != nil {
			log.Debug("skipping device", "node", node, "error", err)
			continue
		}
		_, w, h, _ := cap.Format()
		cap.Close()

		descs = append(descs, camera.Desc{
			ID: node,
			Configs: []camera.StreamConfig{
				{Width: w, Height: h, Format: camera.FormatRGBA8888, Framerate: 30},
				{Width: w, Height: h, Format: camera.FormatYCbCr422I, Framerate: 30},
			},
		})
	}
	return descs
}

func nodeNumber(node string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(node), "video"))
	if err != nil {
		return 1 << 30
	}
	return n
}
