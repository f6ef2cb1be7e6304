package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestListenerConfigWithDefaults(t *testing.T) {
	cfg := ListenerConfig{}.withDefaults()
	assert.Equal(t, "0.0.0.0:50052", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestListenerConfigWithDefaultsPreservesSetValues(t *testing.T) {
	cfg := ListenerConfig{Addr: "127.0.0.1:9999", ShutdownTimeout: 5 * time.Second}.withDefaults()
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestNewListenerAppliesDefaults(t *testing.T) {
	l := NewListener(New(nil, nil, nil, Config{}, nil), ListenerConfig{})
	assert.Equal(t, "0.0.0.0:50052", l.cfg.Addr)
}
