// Package localaudio binds calls to the host's sound hardware: a malgo
// capture device for the microphone and an oto player for the speaker.
package localaudio

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-companion/pkg/core"
	"github.com/vango-go/vai-companion/pkg/core/audio"
	"github.com/vango-go/vai-companion/pkg/core/media"
)

var errNoVideoDevice = errors.New("no local video capture device")

var _ media.Devices = (*Devices)(nil)

// Devices opens the default microphone. Camera and screen capture are not
// available on the host backend.
type Devices struct {
	logger     *slog.Logger
	sampleRate int
	periodMS   uint32

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// Options configures Devices.
type Options struct {
	Logger *slog.Logger
	// SampleRate requested from the capture device. Defaults to 16 kHz so
	// no resampling is needed; devices that refuse it are resampled later.
	SampleRate int
	PeriodMS   int
}

func NewDevices(opts Options) *Devices {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.InputSampleRate
	}
	if opts.PeriodMS <= 0 {
		opts.PeriodMS = 20
	}
	return &Devices{
		logger:     opts.Logger,
		sampleRate: opts.SampleRate,
		periodMS:   uint32(opts.PeriodMS),
	}
}

func (d *Devices) context() (*malgo.AllocatedContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		return d.ctx, nil
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, func(msg string) {
		d.logger.Debug("malgo", "message", msg)
	})
	if err != nil {
		return nil, err
	}
	d.ctx = ctx
	return ctx, nil
}

// OpenMicrophone starts the default capture device. Frames carry mono s16le
// PCM at the device rate.
func (d *Devices) OpenMicrophone(ctx context.Context) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := d.context()
	if err != nil {
		return nil, core.NewMediaUnavailableError(string(media.KindMicrophone), err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(d.sampleRate)
	cfg.PeriodSizeInMilliseconds = d.periodMS
	cfg.Alsa.NoMMap = 1

	var device *malgo.Device
	stream := media.NewChanStream(media.KindMicrophone, 64, func() {
		if device != nil {
			_ = device.Stop()
			device.Uninit()
		}
	})
	rate := d.sampleRate
	device, err = malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) == 0 {
				return
			}
			buf := make([]byte, len(in))
			copy(buf, in)
			stream.Push(media.Frame{Data: buf, SampleRate: rate, Channels: 1, MIMEType: audio.MIMEType(rate)})
		},
	})
	if err != nil {
		device = nil
		stream.Stop()
		return nil, core.NewMediaUnavailableError(string(media.KindMicrophone), err)
	}
	if err := device.Start(); err != nil {
		stream.Stop()
		return nil, core.NewMediaUnavailableError(string(media.KindMicrophone), err)
	}
	d.logger.Info("microphone opened", "sample_rate", rate)
	return stream, nil
}

func (d *Devices) OpenCamera(context.Context) (media.Stream, error) {
	return nil, core.NewMediaUnavailableError(string(media.KindCamera), errNoVideoDevice)
}

func (d *Devices) OpenScreen(context.Context) (media.Stream, error) {
	return nil, core.NewMediaUnavailableError(string(media.KindScreen), errNoVideoDevice)
}

// Close releases the audio context. Streams must be stopped first.
func (d *Devices) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return
	}
	_ = d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
}
