// Package mock provides an in-memory [capture.Source] for unit tests.
//
// The mock records every call and lets the test push samples or simulate a
// device failure:
//
//	src := &mock.Source{Rate: 48000}
//	p, _ := capture.New(capture.Config{}, src, capture.WithLock(&capture.Lock{}))
//	_ = p.Start(ctx, onChunk)
//	src.Emit(make([]float32, 4800))
package mock

import (
	"sync"

	"github.com/MrWong99/reminisce/pkg/audio/capture"
)

// Source is a mock implementation of [capture.Source].
// Set the exported fields before use; inspect the CallCount fields after.
type Source struct {
	mu sync.Mutex

	// Rate is the device sample rate returned by Open. Defaults to 48000.
	Rate int

	// OpenError is returned by Open when non-nil.
	OpenError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	open   bool
	onData func([]float32)
	onFail func(error)
}

var _ capture.Source = (*Source)(nil)

// Open implements [capture.Source].
func (s *Source) Open(onData func([]float32), onFail func(error)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenError != nil {
		return 0, s.OpenError
	}
	s.open = true
	s.onData = onData
	s.onFail = onFail
	if s.Rate == 0 {
		return 48000, nil
	}
	return s.Rate, nil
}

// Close implements [capture.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.open = false
	s.onData = nil
	return s.CloseError
}

// IsOpen reports whether the source is between Open and Close.
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Emit delivers samples as if the device produced them. It returns false
// when the source is closed.
func (s *Source) Emit(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return false
	}
	s.onData(samples)
	return true
}

// Fail simulates a mid-stream device failure.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	cb := s.onFail
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
