package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapSnapLen = 65536

// PcapWriter writes simulated frames to a pcap file with rotation. It
// implements netsim.Tap.
type PcapWriter struct {
	mu       sync.Mutex
	file     *os.File
	w        *pcapgo.Writer
	path     string
	maxSize  int64 // bytes
	maxFiles int
	written  int64
	links    map[string]bool // empty = capture every link
	epoch    time.Time
	frames   uint64
}

// PcapConfig configures a PcapWriter.
type PcapConfig struct {
	Path     string
	MaxSize  int64    // default 100MB
	MaxFiles int      // default 3
	Links    []string // only capture these links
	// Epoch is the wall-clock stamp of simulated time zero.
	Epoch time.Time
}

// NewPcapWriter creates the capture file and writes its header.
func NewPcapWriter(cfg PcapConfig) (*PcapWriter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("no capture file specified")
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 100 * 1024 * 1024
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 3
	}
	epoch := cfg.Epoch
	if epoch.IsZero() {
		epoch = time.Unix(0, 0).UTC()
	}

	pw := &PcapWriter{
		path:     cfg.Path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
		links:    make(map[string]bool),
		epoch:    epoch,
	}
	for _, l := range cfg.Links {
		pw.links[l] = true
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	if err := pw.open(); err != nil {
		return nil, err
	}
	return pw, nil
}

func (pw *PcapWriter) open() error {
	f, err := os.OpenFile(pw.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open capture file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return fmt.Errorf("write pcap header: %w", err)
	}
	pw.file = f
	pw.w = w
	pw.written = 24
	return nil
}

// WriteFrame records one Ethernet frame seen on link at simulated time at.
func (pw *PcapWriter) WriteFrame(at time.Duration, link string, frame []byte) error {
	if len(pw.links) > 0 && !pw.links[link] {
		return nil
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.w == nil {
		return fmt.Errorf("capture file closed")
	}
	data := frame
	if len(data) > pcapSnapLen {
		data = data[:pcapSnapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     pw.epoch.Add(at),
		CaptureLength: len(data),
		Length:        len(frame),
	}
	if err := pw.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	pw.frames++
	pw.written += int64(16 + len(data))

	if pw.written >= pw.maxSize {
		pw.rotate()
	}
	return nil
}

// Frames returns the number of frames written.
func (pw *PcapWriter) Frames() uint64 {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.frames
}

// Close closes the capture file.
func (pw *PcapWriter) Close() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.file == nil {
		return nil
	}
	err := pw.file.Close()
	pw.file = nil
	pw.w = nil
	return err
}

func (pw *PcapWriter) rotate() {
	pw.file.Close()
	pw.file = nil
	pw.w = nil
	rotateFiles(pw.path, pw.maxFiles)

	if err := pw.open(); err != nil {
		slog.Warn("failed to open rotated capture file", "err", err)
	}
}
