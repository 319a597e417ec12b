// Command uvccapture captures frames from a USB video class camera, found by
// its USB vendor and product id, and optionally saves snapshots and serves a
// live preview over HTTP.
//
// Examples:
//
//	# List USB video devices and quit.
//	uvccapture -listdevices
//
//	# List the pixel formats of a camera.
//	uvccapture -device 1a86:7523 -listformats
//
//	# Capture 100 raw 1280x720 frames.
//	uvccapture -device 1a86:7523 -width 1280 -height 720 -frames 100
//
//	# Capture MJPEG for a minute, saving a snapshot every second and serving
//	# a preview on port 8080.
//	uvccapture -config uvc.yaml -encoding mjpeg -duration 1m -snapshot tmp -interval 1s -http :8080
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	uvc "github.com/edgeimpulse/linux-uvc-go"
	"github.com/edgeimpulse/linux-uvc-go/device"
	"github.com/edgeimpulse/linux-uvc-go/preview"
	"github.com/edgeimpulse/linux-uvc-go/videodev"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

var (
	configPath   string
	deviceID     string
	devicePath   string
	listDevices  bool
	listFormats  bool
	width        int
	height       int
	encoding     string
	frames       int
	duration     time.Duration
	snapshotDir  string
	interval     time.Duration
	httpAddr     string
	wait         bool
	autoExposure string
	exposure     int
	verbose      bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "yaml configuration file")
	flag.StringVar(&deviceID, "device", "", "usb id of the camera, as vendor:product in hex, eg 1a86:7523")
	flag.StringVar(&devicePath, "path", "", "open this video node directly instead of searching by usb id")
	flag.BoolVar(&listDevices, "listdevices", false, "if set, lists usb video devices and exits")
	flag.BoolVar(&listFormats, "listformats", false, "if set, lists the pixel formats of the device and exits")
	flag.IntVar(&width, "width", 0, "frame width, overrides config")
	flag.IntVar(&height, "height", 0, "frame height, overrides config")
	flag.StringVar(&encoding, "encoding", "", "raw (yuyv) or compressed (mjpeg), overrides config")
	flag.IntVar(&frames, "frames", 0, "stop after this many frames, 0 for no limit")
	flag.DurationVar(&duration, "duration", 0, "stop after this duration, 0 for no limit")
	flag.StringVar(&snapshotDir, "snapshot", "", "if set, save snapshots to this directory; \"tmp\" for a new temporary directory")
	flag.DurationVar(&interval, "interval", time.Second, "minimum time between snapshots")
	flag.StringVar(&httpAddr, "http", "", "if set, serve preview and stats on this address, eg :8080")
	flag.BoolVar(&wait, "wait", false, "wait for the device to be plugged in")
	flag.StringVar(&autoExposure, "autoexposure", "", "on or off, overrides config")
	flag.IntVar(&exposure, "exposure", -1, "absolute exposure in 100µs units, overrides config")
	flag.BoolVar(&verbose, "verbose", false, "print verbose output")
}

func usage() {
	log.Println("usage: uvccapture [flags]")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	if len(flag.Args()) != 0 {
		usage()
	}
	os.Exit(main0())
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// loadConfig reads the config file if any and applies flag overrides.
func loadConfig() (uvc.Config, error) {
	cfg := uvc.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = uvc.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
	}
	if deviceID != "" {
		id, err := device.ParseIdentity(deviceID)
		if err != nil {
			return cfg, err
		}
		cfg.Device.VendorID = uvc.HexID(id.VendorID)
		cfg.Device.ProductID = uvc.HexID(id.ProductID)
	}
	if devicePath != "" {
		cfg.Device.Path = devicePath
	}
	if width > 0 {
		cfg.Format.Width = width
	}
	if height > 0 {
		cfg.Format.Height = height
	}
	if encoding != "" {
		enc, err := uvc.ParseEncoding(encoding)
		if err != nil {
			return cfg, err
		}
		cfg.Format.Encoding = enc
	}
	switch autoExposure {
	case "":
	case "on", "off":
		v := autoExposure == "on"
		cfg.Capture.AutoExposure = &v
	default:
		return cfg, fmt.Errorf("invalid -autoexposure %q, must be on or off", autoExposure)
	}
	if exposure >= 0 {
		v := int32(exposure)
		cfg.Capture.Exposure = &v
	}
	return cfg, nil
}

func main0() int {
	logger, err := newLogger()
	if err != nil {
		log.Printf("making logger: %v", err)
		return 1
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}

	if listDevices {
		nodes, err := cfg.Locator(logger).List()
		if err != nil {
			log.Printf("listing devices: %v", err)
			return 1
		}
		for _, n := range nodes {
			fmt.Printf("%s: %s\n", n.Path, n.Identity)
		}
		return 0
	}

	if err := cfg.Validate(); err != nil {
		log.Printf("%v (use -device or -path)", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := uvc.NewSession(cfg.Options(logger))
	defer s.Destroy()

	if err := open(ctx, s, cfg, logger); err != nil {
		log.Printf("open: %v", err)
		return 1
	}

	if listFormats {
		descs, err := s.Formats()
		if err != nil {
			log.Printf("listing formats: %v", err)
			return 1
		}
		for _, d := range descs {
			kind := "raw"
			if d.Compressed {
				kind = "compressed"
			}
			fmt.Printf("%s: %s (%s)\n", videodev.FourCC(d.PixelFormat), d.Description, kind)
		}
		return 0
	}

	if cfg.Capture.AutoExposure != nil {
		if err := s.SetAutoExposure(*cfg.Capture.AutoExposure); err != nil {
			log.Printf("auto exposure: %v", err)
		}
	}
	if err := s.ConfigureFormat(cfg.Format.Width, cfg.Format.Height, cfg.Format.Encoding); err != nil {
		log.Printf("configure format: %v", err)
		return 1
	}
	if cfg.Capture.Exposure != nil {
		if err := s.SetExposure(*cfg.Capture.Exposure); err != nil {
			log.Printf("exposure: %v", err)
		}
	}
	f := s.Format()

	p, err := preview.New(f.Width, f.Height, preview.LayoutFor(f.Encoding))
	if err != nil {
		log.Printf("preview: %v", err)
		return 1
	}
	if err := s.AttachPreview(p); err != nil {
		log.Printf("attach preview: %v", err)
		return 1
	}

	var recorder *preview.Recorder
	if snapshotDir != "" {
		dir := snapshotDir
		if dir == "tmp" {
			dir, err = uvc.TempDir()
			if err != nil {
				log.Printf("making temp dir: %v", err)
				return 1
			}
		}
		log.Printf("saving snapshots to %s", dir)
		recorder = preview.NewRecorder(preview.RecorderOpts{Logger: logger, Interval: interval})
		defer recorder.Close()
		go saveSnapshots(recorder, dir)
	}

	var count atomic.Int64
	done := make(chan struct{})
	sink := uvc.FrameSinkFunc(func(fr uvc.Frame) {
		if recorder != nil {
			recorder.OnFrame(fr)
		}
		if n := count.Add(1); frames > 0 && n == int64(frames) {
			close(done)
		}
	})
	if err := s.AttachSink(sink); err != nil {
		log.Printf("attach sink: %v", err)
		return 1
	}

	if httpAddr != "" {
		srv := &http.Server{
			Addr: httpAddr,
			Handler: preview.NewServer(p, preview.ServerOpts{
				MaxWidth:  cfg.Preview.MaxWidth,
				MaxHeight: cfg.Preview.MaxHeight,
				Stats:     s.Stats,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		log.Printf("serving preview on %s", httpAddr)
	}

	if err := s.Start(); err != nil {
		log.Printf("start: %v", err)
		return 1
	}
	log.Printf("capturing %s", f)

	var timeout <-chan time.Time
	if duration > 0 {
		timeout = time.After(duration)
	}
	select {
	case <-done:
	case <-timeout:
	case <-ctx.Done():
	}

	if err := s.Stop(); err != nil {
		log.Printf("stop: %v", err)
	}
	st := s.Stats()
	log.Printf("captured %d frames, %.1f fps, %d timeouts, %d dequeue errors, %d decode errors",
		st.Frames, st.FPS, st.Timeouts, st.DequeueErrors, st.DecodeErrors)
	if err := s.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	return 0
}

// open opens by path if configured, otherwise by usb id, optionally waiting
// for the device to appear.
func open(ctx context.Context, s *uvc.Session, cfg uvc.Config, logger *zap.Logger) error {
	if cfg.Device.Path != "" {
		return s.OpenPath(cfg.Device.Path)
	}
	id := cfg.Identity()
	if wait {
		if _, err := cfg.Locator(logger).Wait(ctx, id); err != nil {
			return fmt.Errorf("waiting for %s: %v", id, err)
		}
	}
	return s.Open(id)
}

func saveSnapshots(r *preview.Recorder, dir string) {
	for ev := range r.Events() {
		if ev.Err != nil {
			log.Printf("snapshot: %v", ev.Err)
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("frame-%08d.jpg", ev.Sequence))
		if err := imaging.Save(ev.Image, path); err != nil {
			log.Printf("saving snapshot: %v", err)
			continue
		}
		if verbose {
			log.Printf("saved %s", path)
		}
	}
}
