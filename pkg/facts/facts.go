// Package facts describes the local host: operating system, kernel,
// distribution, GPUs and package manager. Facts feed the `when` conditions
// of manifest descriptors.
package facts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// GPU is one DRM card.
type GPU struct {
	Card     string `json:"card"`
	Vendor   string `json:"vendor"`
	DeviceID string `json:"device_id,omitempty"`
	Driver   string `json:"driver,omitempty"`
	PCISlot  string `json:"pci_slot,omitempty"`
	// VRAMBytes is only reported by drivers that expose it in sysfs (amdgpu).
	VRAMBytes int64 `json:"vram_bytes,omitempty"`
}

// Facts is a snapshot of the host.
type Facts struct {
	Hostname       string    `json:"hostname"`
	OS             string    `json:"os"`
	Arch           string    `json:"arch"`
	Kernel         string    `json:"kernel,omitempty"`
	Distro         string    `json:"distro,omitempty"`
	DistroVersion  string    `json:"distro_version,omitempty"`
	DistroName     string    `json:"distro_name,omitempty"`
	PackageManager string    `json:"package_manager,omitempty"`
	GPUs           []GPU     `json:"gpus"`
	CollectedAt    time.Time `json:"collected_at"`
}

// ManagerDetector reports the host package manager.
type ManagerDetector interface {
	Manager() (string, error)
}

// Collector gathers Facts. The roots exist so tests can point the collector
// at a fake filesystem.
type Collector struct {
	SysRoot   string
	ProcRoot  string
	OSRelease string
	Packages  ManagerDetector
	Logger    zerolog.Logger
}

// NewCollector returns a Collector reading the live system.
func NewCollector(packages ManagerDetector, logger zerolog.Logger) *Collector {
	return &Collector{
		SysRoot:   "/sys",
		ProcRoot:  "/proc",
		OSRelease: "/etc/os-release",
		Packages:  packages,
		Logger:    logger.With().Str("component", "facts").Logger(),
	}
}

// Collect reads the host facts. Missing sources leave their fields empty;
// only a failure to learn the hostname is an error.
func (c *Collector) Collect(ctx context.Context) (*Facts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("reading hostname: %w", err)
	}

	f := &Facts{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		Kernel:      readTrimmed(filepath.Join(c.ProcRoot, "sys", "kernel", "osrelease")),
		CollectedAt: time.Now().UTC(),
	}

	if rel, err := godotenv.Read(c.OSRelease); err == nil {
		f.Distro = rel["ID"]
		f.DistroVersion = rel["VERSION_ID"]
		f.DistroName = rel["PRETTY_NAME"]
	} else {
		c.Logger.Debug().Err(err).Str("path", c.OSRelease).Msg("os-release unavailable")
	}

	f.GPUs = c.gpus()

	if c.Packages != nil {
		if name, err := c.Packages.Manager(); err == nil {
			f.PackageManager = name
		} else {
			c.Logger.Debug().Err(err).Msg("No package manager detected")
		}
	}

	c.Logger.Debug().
		Str("distro", f.Distro).
		Str("kernel", f.Kernel).
		Int("gpus", len(f.GPUs)).
		Msg("Collected host facts")
	return f, nil
}

func (c *Collector) gpus() []GPU {
	drm := filepath.Join(c.SysRoot, "class", "drm")
	entries, err := os.ReadDir(drm)
	if err != nil {
		return []GPU{}
	}

	gpus := []GPU{}
	for _, entry := range entries {
		if !isCardDevice(entry.Name()) {
			continue
		}
		device := filepath.Join(drm, entry.Name(), "device")
		vendorID, deviceID, slot := parseUevent(device)
		if vendorID == "" {
			vendorID = strings.TrimPrefix(strings.ToLower(readTrimmed(filepath.Join(device, "vendor"))), "0x")
		}
		if vendorID == "" {
			continue
		}

		gpu := GPU{
			Card:     entry.Name(),
			Vendor:   vendorName(vendorID),
			DeviceID: deviceID,
			Driver:   driverName(device),
			PCISlot:  slot,
		}
		if v, err := strconv.ParseInt(readTrimmed(filepath.Join(device, "mem_info_vram_total")), 10, 64); err == nil {
			gpu.VRAMBytes = v
		}
		gpus = append(gpus, gpu)
	}

	sort.Slice(gpus, func(i, j int) bool { return cardIndex(gpus[i].Card) < cardIndex(gpus[j].Card) })
	return gpus
}

// Env flattens the facts for condition expressions.
func (f *Facts) Env() map[string]any {
	vendors := make([]string, 0, len(f.GPUs))
	seen := make(map[string]bool)
	gpus := make([]map[string]any, 0, len(f.GPUs))
	var vram int64
	for _, g := range f.GPUs {
		if !seen[g.Vendor] {
			seen[g.Vendor] = true
			vendors = append(vendors, g.Vendor)
		}
		vram += g.VRAMBytes
		gpus = append(gpus, map[string]any{
			"card":       g.Card,
			"vendor":     g.Vendor,
			"device_id":  g.DeviceID,
			"driver":     g.Driver,
			"vram_bytes": g.VRAMBytes,
		})
	}

	return map[string]any{
		"hostname":        f.Hostname,
		"os":              f.OS,
		"arch":            f.Arch,
		"kernel":          f.Kernel,
		"distro":          f.Distro,
		"distro_version":  f.DistroVersion,
		"package_manager": f.PackageManager,
		"gpus":            gpus,
		"gpu_count":       len(f.GPUs),
		"gpu_vendors":     vendors,
		"has_nvidia":      seen["nvidia"],
		"has_amd":         seen["amd"],
		"has_intel":       seen["intel"],
		"vram_bytes":      vram,
	}
}

// isCardDevice matches card0, card1, ... but not connectors (card0-DP-1) or
// render nodes.
func isCardDevice(name string) bool {
	suffix, ok := strings.CutPrefix(name, "card")
	if !ok || suffix == "" {
		return false
	}
	for _, ch := range suffix {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

func cardIndex(card string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(card, "card"))
	return n
}

// parseUevent reads PCI_ID=1002:744A and PCI_SLOT_NAME from a device uevent.
func parseUevent(device string) (vendorID, deviceID, slot string) {
	data, err := os.ReadFile(filepath.Join(device, "uevent"))
	if err != nil {
		return "", "", ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "PCI_ID":
			if v, d, ok := strings.Cut(value, ":"); ok {
				vendorID = strings.ToLower(v)
				deviceID = "0x" + strings.ToLower(d)
			}
		case "PCI_SLOT_NAME":
			slot = value
		}
	}
	return vendorID, deviceID, slot
}

func vendorName(id string) string {
	switch id {
	case "10de":
		return "nvidia"
	case "1002":
		return "amd"
	case "8086":
		return "intel"
	default:
		return "0x" + id
	}
}

func driverName(device string) string {
	link, err := os.Readlink(filepath.Join(device, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
