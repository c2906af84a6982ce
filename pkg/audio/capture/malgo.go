package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// MalgoSource captures mono float32 audio from a miniaudio device.
type MalgoSource struct {
	// DeviceName selects the first capture device whose name contains it.
	// Empty means the system default.
	DeviceName string

	// SampleRate requests a device rate. Zero lets the device choose.
	SampleRate int

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	dev     *malgo.Device
	closing atomic.Bool
}

var _ Source = (*MalgoSource)(nil)

// Open implements [Source].
func (s *MalgoSource) Open(onData func([]float32), onFail func(error)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return 0, errors.New("capture: malgo source already open")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: init context: %v", ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(s.SampleRate)

	if s.DeviceName != "" {
		id, err := findCaptureDevice(mctx, s.DeviceName)
		if err != nil {
			freeContext(mctx)
			return 0, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	s.closing.Store(false)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			onData(decodeFloat32(in))
		},
		Stop: func() {
			if !s.closing.Load() {
				onFail(errors.New("capture device stopped unexpectedly"))
			}
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		freeContext(mctx)
		return 0, fmt.Errorf("%w: init device: %v", ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(mctx)
		return 0, fmt.Errorf("%w: start device: %v", ErrDeviceUnavailable, err)
	}

	s.mctx = mctx
	s.dev = dev
	return int(dev.SampleRate()), nil
}

// Close implements [Source].
func (s *MalgoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil
	}
	s.closing.Store(true)
	err := s.dev.Stop()
	s.dev.Uninit()
	freeContext(s.mctx)
	s.dev, s.mctx = nil, nil
	if err != nil {
		return fmt.Errorf("capture: stop device: %w", err)
	}
	return nil
}

// MalgoPermission probes the capture backend. Desktop platforms grant access
// at the OS level, so a device that can be enumerated counts as permitted.
type MalgoPermission struct{}

var _ Permission = MalgoPermission{}

// RequestMicrophone implements [Permission].
func (MalgoPermission) RequestMicrophone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	defer freeContext(mctx)

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return fmt.Errorf("%w: enumerate devices: %v", ErrPermissionDenied, err)
	}
	if len(infos) == 0 {
		return ErrDeviceUnavailable
	}
	return nil
}

// DeviceNames lists the capture devices miniaudio can see.
func DeviceNames() ([]string, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}
	defer freeContext(mctx)

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate devices: %w", err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func findCaptureDevice(mctx *malgo.AllocatedContext, name string) (*malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate devices: %v", ErrDeviceUnavailable, err)
	}
	for i := range infos {
		if strings.Contains(infos[i].Name(), name) {
			return &infos[i].ID, nil
		}
	}
	return nil, fmt.Errorf("%w: no device matching %q", ErrDeviceUnavailable, name)
}

func freeContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

// decodeFloat32 copies little-endian float32 samples out of a device buffer.
func decodeFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
