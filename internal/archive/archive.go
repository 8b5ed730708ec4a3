package archive

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"
	"lukechampine.com/blake3"

	"openplace/server/logging"
)

// Source is the board view the archiver reads. The hub's grid satisfies it.
type Source interface {
	Width() int
	Height() int
	Snapshot() []byte
}

type Config struct {
	Dir       string
	Interval  time.Duration
	Logger    *log.Logger
	Publisher logging.Publisher
}

// Archiver writes periodic timelapse frames of the board: lz4-compressed
// raw cell payloads named by capture time and content digest. Frames whose
// board is unchanged since the previous capture are skipped.
type Archiver struct {
	src        Source
	cfg        Config
	lastDigest [32]byte
	hasDigest  bool
}

func New(src Source, cfg Config) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher
	}
	return &Archiver{src: src, cfg: cfg}
}

// Run captures frames on the configured interval until stop closes.
func (a *Archiver) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			path, err := a.CaptureFrame()
			if err != nil {
				a.cfg.Logger.Printf("frame capture failed: %v", err)
				continue
			}
			if path == "" {
				continue
			}
			a.cfg.Publisher.Publish(context.Background(), logging.Event{
				Type:     logging.EventFrameArchived,
				Actor:    logging.ActorRef{Kind: logging.ActorKindSystem},
				Severity: logging.SeverityDebug,
				Category: logging.CategoryPersistence,
				Payload:  map[string]any{"path": path},
			})
		}
	}
}

// CaptureFrame writes one frame now. It returns the written path, or the
// empty string when the board has not changed since the last frame.
func (a *Archiver) CaptureFrame() (string, error) {
	cells := a.src.Snapshot()
	digest := blake3.Sum256(cells)
	if a.hasDigest && digest == a.lastDigest {
		return "", nil
	}

	if err := os.MkdirAll(a.cfg.Dir, 0o755); err != nil {
		return "", err
	}

	compressed, err := compress(cells)
	if err != nil {
		return "", fmt.Errorf("compress frame: %w", err)
	}

	name := fmt.Sprintf("frame-%d-%s.lz4", time.Now().UnixMilli(), hex.EncodeToString(digest[:8]))
	path := filepath.Join(a.cfg.Dir, name)
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return "", err
	}

	a.lastDigest = digest
	a.hasDigest = true
	return path, nil
}

// ReadFrame decompresses a stored frame back to raw cells.
func ReadFrame(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decompress(data)
}

func compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(src []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))
	var out bytes.Buffer
	if _, err := io.Copy(&out, zr); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
