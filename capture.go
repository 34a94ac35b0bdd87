package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"

	"github.com/tomaslejdung/peershare/pkg/engine"
)

const (
	streamID     = "peershare"
	videoTrackID = "screen-video"
)

// FileCapturer feeds the shared video track. With an IVF file it replays the
// file in a loop at the file's frame rate; without one the track stays idle,
// which is enough to negotiate sessions.
type FileCapturer struct {
	path string
	fps  int
	log  logging.LeveledLogger

	mu    sync.Mutex
	codec CodecInfo
	stop  chan struct{}
	done  chan struct{}

	frames atomic.Int64
	bytes  atomic.Int64
}

// NewFileCapturer creates a capturer for path, which may be empty.
func NewFileCapturer(path string, fps int, lf logging.LoggerFactory) *FileCapturer {
	return &FileCapturer{
		path:  path,
		fps:   fps,
		log:   lf.NewLogger("capture"),
		codec: DefaultCodec(),
	}
}

// Start opens the source and returns the stream carrying its track.
func (c *FileCapturer) Start(ctx context.Context) (*engine.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return nil, errors.New("capture already running")
	}

	var (
		file   *os.File
		reader *ivfreader.IVFReader
		header *ivfreader.IVFFileHeader
	)
	codec := DefaultCodec()
	if c.path != "" {
		var err error
		file, err = os.Open(c.path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", c.path, err)
		}
		reader, header, err = ivfreader.NewWith(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("read IVF header: %w", err)
		}
		codec, err = CodecByFourCC(header.FourCC)
		if err != nil {
			file.Close()
			return nil, err
		}
		c.log.Infof("replaying %s: %s %dx%d", c.path, codec.Name, header.Width, header.Height)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: codec.MimeType}, videoTrackID, streamID)
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, fmt.Errorf("create track: %w", err)
	}

	c.codec = codec
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.frames.Store(0)
	c.bytes.Store(0)

	if file == nil {
		close(c.done)
	} else {
		interval := ivfFrameInterval(header.TimebaseNumerator, header.TimebaseDenominator, c.fps)
		go c.replay(file, reader, track, interval, c.stop, c.done)
	}

	return &engine.Stream{ID: streamID, Tracks: []engine.Track{track}}, nil
}

func (c *FileCapturer) replay(file *os.File, reader *ivfreader.IVFReader, track *webrtc.TrackLocalStaticSample,
	interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer file.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			// Loop back to the first frame.
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				c.log.Errorf("rewind %s: %v", c.path, err)
				return
			}
			if reader, _, err = ivfreader.NewWith(file); err != nil {
				c.log.Errorf("re-read IVF header: %v", err)
				return
			}
			continue
		}
		if err != nil {
			c.log.Errorf("read frame: %v", err)
			return
		}

		if err := track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
			c.log.Warnf("write sample: %v", err)
			continue
		}
		c.frames.Add(1)
		c.bytes.Add(int64(len(frame)))
	}
}

// Stop ends the replay and waits for it to finish. Stopping a capturer that
// is not running is a no-op.
func (c *FileCapturer) Stop() error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Codec returns the codec of the current or last stream.
func (c *FileCapturer) Codec() CodecInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

// Stats returns frames and bytes written since Start.
func (c *FileCapturer) Stats() (frames, bytes int64) {
	return c.frames.Load(), c.bytes.Load()
}
