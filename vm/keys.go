package vm

import "sync"

// KeyState is the keyboard state table read by GET_ASYNC_KEY_STATE. Each
// project owns one; hosts and front ends update it from their input events.
// It is safe for concurrent use.
type KeyState struct {
	mu   sync.RWMutex
	keys [256]uint8
}

// NewKeyState creates a table with every key released.
func NewKeyState() *KeyState {
	return &KeyState{}
}

// Press marks a virtual key as held down.
func (k *KeyState) Press(code int) {
	k.Set(code, 1)
}

// Release marks a virtual key as up.
func (k *KeyState) Release(code int) {
	k.Set(code, 0)
}

// Set stores a raw state for a virtual key. Codes outside 0..255 are
// ignored.
func (k *KeyState) Set(code int, state uint8) {
	if code < 0 || code >= len(k.keys) {
		return
	}
	k.mu.Lock()
	k.keys[code] = state
	k.mu.Unlock()
}

// State returns the state of a virtual key, 0 when unknown.
func (k *KeyState) State(code int) uint8 {
	if code < 0 || code >= len(k.keys) {
		return 0
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[code]
}

// Reset releases every key.
func (k *KeyState) Reset() {
	k.mu.Lock()
	k.keys = [256]uint8{}
	k.mu.Unlock()
}
