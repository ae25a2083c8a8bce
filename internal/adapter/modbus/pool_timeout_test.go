package modbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridpulse/metergate/internal/domain"
)

// idleListener accepts connections and holds them open without
// speaking Modbus; Connect only needs the dial to succeed.
func idleListener(t *testing.T) domain.DeviceAddress {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	return domain.NewDeviceAddress(tcpAddr.IP.String(), tcpAddr.Port, 1)
}

func TestPoolAcquireWithConnectTimeoutOverridesDialConfig(t *testing.T) {
	pool := NewPool(PoolConfig{
		PerKeyMax:      1,
		AcquireTimeout: time.Second,
		Session: SessionConfig{
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    500 * time.Millisecond,
		},
	}, zerolog.Nop(), nil)
	t.Cleanup(func() { pool.Close() })

	s, err := pool.AcquireWithConnectTimeout(context.Background(), idleListener(t), 250*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer pool.Release(s)

	if got := s.config.ConnectTimeout; got != 250*time.Millisecond {
		t.Errorf("dialed session has connect timeout %v, want 250ms", got)
	}

	// A plain Acquire keeps the pool default. Use a second device so
	// the session is freshly dialed rather than reused from idle.
	s2, err := pool.Acquire(context.Background(), idleListener(t))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer pool.Release(s2)

	if got := s2.config.ConnectTimeout; got != 5*time.Second {
		t.Errorf("default-dialed session has connect timeout %v, want 5s", got)
	}
}

func TestPoolAcquireWithZeroConnectTimeoutKeepsPoolDefault(t *testing.T) {
	pool := NewPool(PoolConfig{
		PerKeyMax:      1,
		AcquireTimeout: time.Second,
		Session: SessionConfig{
			ConnectTimeout: 3 * time.Second,
			ReadTimeout:    500 * time.Millisecond,
		},
	}, zerolog.Nop(), nil)
	t.Cleanup(func() { pool.Close() })

	s, err := pool.AcquireWithConnectTimeout(context.Background(), idleListener(t), 0)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer pool.Release(s)

	if got := s.config.ConnectTimeout; got != 3*time.Second {
		t.Errorf("session has connect timeout %v, want the pool default 3s", got)
	}
}
