package models

import (
	"context"
	"sync"

	espserial "github.com/allbin/go-espserial"
)

// DeviceReadyMsg reports the outcome of binding the device
type DeviceReadyMsg struct {
	Device *espserial.Device
	Err    error
}

// ResetDoneMsg reports the outcome of a hard reset
type ResetDoneMsg struct {
	Err error
}

// MonitorModel holds the device and lifecycle shared by the monitor view
// and the goroutines feeding it
type MonitorModel struct {
	device    *espserial.Device
	err       error
	ready     bool
	resetting bool

	cancel context.CancelFunc
	ctx    context.Context
	mu     sync.RWMutex
}

func NewMonitorModel(parent context.Context) *MonitorModel {
	ctx, cancel := context.WithCancel(parent)
	return &MonitorModel{ctx: ctx, cancel: cancel}
}

func (m *MonitorModel) Device() *espserial.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device
}

// AttachDevice stores dev unless Cleanup already ran, in which case the
// caller keeps ownership and must close it
func (m *MonitorModel) AttachDevice(dev *espserial.Device) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return false
	}
	m.device = dev
	return true
}

func (m *MonitorModel) Err() error          { return m.err }
func (m *MonitorModel) SetErr(err error)    { m.err = err }
func (m *MonitorModel) IsReady() bool       { return m.ready }
func (m *MonitorModel) SetReady(r bool)     { m.ready = r }
func (m *MonitorModel) Resetting() bool     { return m.resetting }
func (m *MonitorModel) SetResetting(b bool) { m.resetting = b }

func (m *MonitorModel) Context() context.Context { return m.ctx }

// Cleanup stops background work and releases the device
func (m *MonitorModel) Cleanup() error {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	err := m.device.Close()
	m.device = nil
	return err
}
