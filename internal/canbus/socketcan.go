package canbus

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// SocketCAN is a Bus over a Linux SocketCAN raw socket. The interface must
// already be up with its bitrate configured.
type SocketCAN struct {
	conn net.Conn
	rx   *socketcan.Receiver
	tx   *socketcan.Transmitter

	frames chan Frame
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	rxErr     error
}

// DialSocketCAN opens the named interface (e.g. "can0") and starts reading.
func DialSocketCAN(ctx context.Context, channel string) (*SocketCAN, error) {
	conn, err := socketcan.DialContext(ctx, "can", channel)
	if err != nil {
		return nil, fmt.Errorf("failed to open socketcan %s: %w", channel, err)
	}
	s := &SocketCAN{
		conn:   conn,
		rx:     socketcan.NewReceiver(conn),
		tx:     socketcan.NewTransmitter(conn),
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *SocketCAN) pump() {
	defer close(s.frames)
	for s.rx.Receive() {
		if s.rx.HasErrorFrame() {
			continue
		}
		select {
		case s.frames <- fromCAN(s.rx.Frame()):
		case <-s.done:
			return
		}
	}
	s.mu.Lock()
	s.rxErr = s.rx.Err()
	s.mu.Unlock()
}

func (s *SocketCAN) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	return s.tx.TransmitFrame(ctx, toCAN(frame))
}

func (s *SocketCAN) Receive(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			s.mu.Lock()
			err := s.rxErr
			s.mu.Unlock()
			if err != nil {
				return Frame{}, fmt.Errorf("%w: %w", ErrClosed, err)
			}
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *SocketCAN) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func fromCAN(f can.Frame) Frame {
	return Frame{
		ID:       f.ID,
		Extended: f.IsExtended,
		RTR:      f.IsRemote,
		Len:      f.Length,
		Data:     f.Data,
	}
}

func toCAN(f Frame) can.Frame {
	return can.Frame{
		ID:         f.ID,
		Length:     f.Len,
		Data:       can.Data(f.Data),
		IsRemote:   f.RTR,
		IsExtended: f.Extended,
	}
}
