package camera

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DeviceInfo describes a capture device candidate.
type DeviceInfo struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// Discover lists V4L2 video devices, ordered by index.
func Discover() ([]DeviceInfo, error) {
	return discover("/dev", "/sys/class/video4linux")
}

func discover(devDir, sysDir string) ([]DeviceInfo, error) {
	paths, err := filepath.Glob(filepath.Join(devDir, "video*"))
	if err != nil {
		return nil, err
	}

	devices := make([]DeviceInfo, 0, len(paths))
	for _, p := range paths {
		base := filepath.Base(p)
		id := strings.TrimPrefix(base, "video")
		if _, err := strconv.Atoi(id); err != nil {
			continue
		}
		info := DeviceInfo{ID: id, Path: p}
		if name, err := os.ReadFile(filepath.Join(sysDir, base, "name")); err == nil {
			info.Name = strings.TrimSpace(string(name))
		}
		devices = append(devices, info)
	}

	sort.Slice(devices, func(i, j int) bool {
		a, _ := strconv.Atoi(devices[i].ID)
		b, _ := strconv.Atoi(devices[j].ID)
		return a < b
	})
	return devices, nil
}
