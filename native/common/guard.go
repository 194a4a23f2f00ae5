package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a protocol module is currently halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects an operation when the owning module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSwitch is the in-process PauseView driven by the pool's admin surface.
type PauseSwitch struct {
	mu     sync.RWMutex
	paused map[string]bool
}

func NewPauseSwitch() *PauseSwitch {
	return &PauseSwitch{paused: make(map[string]bool)}
}

func (p *PauseSwitch) SetPaused(module string, paused bool) {
	if p == nil || module == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[module] = paused
}

func (p *PauseSwitch) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}
