package uvc

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edgeimpulse/linux-uvc-go/device"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of a capture session.
//
//	device:
//	  vendor_id: "1a86"
//	  product_id: "7523"
//	format:
//	  width: 1280
//	  height: 720
//	  encoding: mjpeg
//	capture:
//	  poll_timeout: 250ms
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Format  FormatConfig  `yaml:"format"`
	Capture CaptureConfig `yaml:"capture"`
	Preview PreviewConfig `yaml:"preview"`
}

type DeviceConfig struct {
	VendorID  HexID  `yaml:"vendor_id"`
	ProductID HexID  `yaml:"product_id"`
	Path      string `yaml:"path"` // if set, discovery is skipped
	MaxIndex  int    `yaml:"max_index"`
	SysfsRoot string `yaml:"sysfs_root"`
	DevRoot   string `yaml:"dev_root"`
}

type FormatConfig struct {
	Width    int      `yaml:"width"`
	Height   int      `yaml:"height"`
	Encoding Encoding `yaml:"encoding"`
}

type CaptureConfig struct {
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	RawFPS        uint32        `yaml:"raw_fps"`
	CompressedFPS uint32        `yaml:"compressed_fps"`
	AutoExposure  *bool         `yaml:"auto_exposure"`
	Exposure      *int32        `yaml:"exposure"`
}

type PreviewConfig struct {
	Listen    string `yaml:"listen"`
	MaxWidth  int    `yaml:"max_width"`
	MaxHeight int    `yaml:"max_height"`
}

// HexID is a USB vendor or product id, written in hex with an optional 0x
// prefix.
type HexID uint16

func (h *HexID) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", n.Line)
	}
	s := n.Value
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return fmt.Errorf("line %d: invalid usb id %q", n.Line, s)
	}
	*h = HexID(v)
	return nil
}

// DefaultConfig returns the configuration used for missing values.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			MaxIndex:  device.DefaultMaxIndex,
			SysfsRoot: "/sys/class/video4linux",
			DevRoot:   "/dev",
		},
		Format: FormatConfig{
			Width:    640,
			Height:   480,
			Encoding: Raw,
		},
		Capture: CaptureConfig{
			PollTimeout:   DefaultPollTimeout,
			RawFPS:        DefaultRawFPS,
			CompressedFPS: DefaultCompressedFPS,
		},
		Preview: PreviewConfig{
			MaxWidth:  320,
			MaxHeight: 240,
		},
	}
}

// LoadConfig reads a YAML file. Environment variables in the file are
// expanded, missing values are taken from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %v", err)
	}
	return ParseConfig(buf)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(buf []byte) (Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(buf))), &c); err != nil {
		return Config{}, fmt.Errorf("parsing config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.Device.Path == "" && c.Device.VendorID == 0 && c.Device.ProductID == 0:
		return fmt.Errorf("config: device needs vendor_id/product_id or path")
	case c.Device.MaxIndex < 0:
		return fmt.Errorf("config: device.max_index must be >= 0")
	case c.Format.Width <= 0 || c.Format.Height <= 0:
		return fmt.Errorf("config: invalid format size %dx%d", c.Format.Width, c.Format.Height)
	case c.Capture.PollTimeout <= 0:
		return fmt.Errorf("config: capture.poll_timeout must be > 0")
	case c.Capture.RawFPS == 0 || c.Capture.CompressedFPS == 0:
		return fmt.Errorf("config: frame rates must be > 0")
	}
	return nil
}

// Identity returns the configured USB identity.
func (c Config) Identity() device.Identity {
	return device.Identity{VendorID: uint16(c.Device.VendorID), ProductID: uint16(c.Device.ProductID)}
}

// Locator returns a device locator using the configured paths.
func (c Config) Locator(logger *zap.Logger) *device.Locator {
	l := device.NewLocator(logger)
	l.SysfsRoot = c.Device.SysfsRoot
	l.DevRoot = c.Device.DevRoot
	l.MaxIndex = c.Device.MaxIndex
	return l
}

// Options returns session options for c.
func (c Config) Options(logger *zap.Logger) Options {
	return Options{
		Logger:        logger,
		Locator:       c.Locator(logger),
		PollTimeout:   c.Capture.PollTimeout,
		RawFPS:        c.Capture.RawFPS,
		CompressedFPS: c.Capture.CompressedFPS,
	}
}
