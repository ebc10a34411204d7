package signal

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/config"
)

// Manager owns one Channel per namespace so every component shares the same
// connection handle instead of reaching for an ambient global socket.
type Manager struct {
	baseURL string
	tokenFn TokenFunc
	cfg     config.SignalConfig
	logger  *zap.Logger

	mu       sync.Mutex
	channels map[Namespace]*Channel
	closed   bool
}

func NewManager(baseURL string, tokenFn TokenFunc, cfg config.SignalConfig, logger *zap.Logger) *Manager {
	return &Manager{
		baseURL:  baseURL,
		tokenFn:  tokenFn,
		cfg:      cfg,
		logger:   logger.Named("signal"),
		channels: make(map[Namespace]*Channel),
	}
}

// Channel returns the connected channel for a namespace, dialing it on first
// use.
func (m *Manager) Channel(ctx context.Context, ns Namespace) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrChannelClosed
	}
	if ch, ok := m.channels[ns]; ok {
		return ch, nil
	}

	ch := newChannel(m.baseURL, ns, m.tokenFn, m.cfg, m.logger)
	if err := ch.Connect(ctx); err != nil {
		return nil, fmt.Errorf("namespace %s: %w", ns, err)
	}
	m.channels[ns] = ch
	return ch, nil
}

// Close disconnects every namespace.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for ns, ch := range m.channels {
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", ns, err)
		}
	}
	m.channels = make(map[Namespace]*Channel)
	return firstErr
}
