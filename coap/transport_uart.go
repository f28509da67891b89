package coap

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Lobaro/slip"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// StopBits and Parity mirror tarm/serial's own types so callers configuring
// a UARTSocket don't need to import that package directly.
type StopBits byte
type Parity byte

const (
	Stop1     StopBits = 1
	Stop1Half StopBits = 15
	Stop2     StopBits = 2
)

const (
	ParityNone  Parity = 'N'
	ParityOdd   Parity = 'O'
	ParityEven  Parity = 'E'
	ParityMark  Parity = 'M'
	ParitySpace Parity = 'S'
)

// UartScheme is the URI scheme a UART-addressed resource uses, e.g.
// coap+uart://ttyS2/sensors/temperature, or coap+uart://any/... to take
// the first open port found.
const UartScheme = "coap+uart"

// UARTConfig are the serial port parameters for a UARTSocket.
type UARTConfig struct {
	Name        string // device, or "any"
	Baud        int
	ReadTimeout time.Duration
	Size        byte
	Parity      Parity
	StopBits    StopBits

	// LogDiagnostic logs SlipMux diagnostic frames (out-of-band text the
	// peer interleaves with CoAP packets) at debug level instead of
	// silently discarding them.
	LogDiagnostic bool
}

func DefaultUARTConfig() UARTConfig {
	return UARTConfig{
		Baud:        115200,
		Parity:      ParityNone,
		ReadTimeout: 500 * time.Millisecond,
		StopBits:    Stop1,
	}
}

func (c UARTConfig) serialConfig(name string) *serial.Config {
	return &serial.Config{
		Name:        name,
		Baud:        c.Baud,
		Parity:      serial.Parity(c.Parity),
		Size:        c.Size,
		ReadTimeout: c.ReadTimeout,
		StopBits:    serial.StopBits(c.StopBits),
	}
}

// UARTSocket is a Socket (interfaces.go) backed by a SLIP-framed serial
// port: the non-core secondary transport binding this engine carries
// alongside the TCP and UDP bindings (spec.md's [MODULE] list only
// requires those two, but the teacher is a UART-first CoAP stack, and
// the whole point of this binding is that Context's send/accept API
// doesn't care which one is underneath). Every Recv returns exactly one
// complete, already-deframed CoAP datagram — SLIP packet boundaries do
// the job TCP's length-prefix framing does on the other binding — so a
// UART-driven Context never needs tcpconn.go's incremental parser.
type UARTSocket struct {
	cfg  UARTConfig
	name string

	port   *serial.Port
	reader *slip.SlipMuxReader
	writer *slip.SlipMuxWriter

	rxBuf SafeBuffer
	mu    sync.Mutex
}

func NewUARTSocket(cfg UARTConfig) *UARTSocket {
	return &UARTSocket{cfg: cfg, name: cfg.Name}
}

// lastAnyPort remembers the last serial device "any" resolved to, so a
// process opening several UART sockets in a row doesn't re-scan every
// device file each time.
var (
	lastAnyMu   sync.Mutex
	lastAnyPort string
)

func (s *UARTSocket) Connect() error {
	name := s.name
	if name != "any" && !isWindowsDevice(name) {
		name = "/dev/" + name
	}
	serialCfg := s.cfg.serialConfig(name)

	port, err := openComPort(serialCfg)
	if err != nil {
		return fmt.Errorf("coap: failed to open serial port: %w", err)
	}
	s.port = port
	s.reader = slip.NewSlipMuxReader(port)
	s.writer = slip.NewSlipMuxWriter(port)
	logrus.WithField("port", serialCfg.Name).Info("opened UART CoAP transport")
	return nil
}

func isWindowsDevice(name string) bool {
	return strings.HasPrefix(name, "COM")
}

func openComPort(cfg *serial.Config) (*serial.Port, error) {
	if cfg.Name != "any" {
		return serial.OpenPort(cfg)
	}

	lastAnyMu.Lock()
	defer lastAnyMu.Unlock()

	if lastAnyPort != "" {
		cfg.Name = lastAnyPort
		if port, err := serial.OpenPort(cfg); err == nil {
			return port, nil
		}
	}
	for i := 0; i < 99; i++ {
		cfg.Name = fmt.Sprintf("/dev/ttyS%d", i)
		if port, err := serial.OpenPort(cfg); err == nil {
			lastAnyPort = cfg.Name
			return port, nil
		}
	}
	return nil, errors.New("coap: no usable serial port found")
}

// Send writes one CoAP datagram as a single SlipMux CoAP frame.
func (s *UARTSocket) Send(b []byte) (int, error) {
	if err := s.writer.WritePacket(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Recv returns bytes of the oldest fully-received CoAP datagram, reading
// and reassembling the next one off the wire if none is buffered yet.
func (s *UARTSocket) Recv(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rxBuf.Len() == 0 {
		if err := s.readNextPacket(); err != nil {
			return 0, err
		}
	}
	return s.rxBuf.Read(buf)
}

func (s *UARTSocket) readNextPacket() error {
	for {
		p, frame, err := s.reader.ReadPacket()
		if frame == slip.FRAME_DIAGNOSTIC {
			if s.cfg.LogDiagnostic {
				logrus.WithField("message", strings.TrimSpace(string(p))).Debug("UART CoAP diagnostic frame")
			}
			continue
		}
		if err != nil {
			return err
		}
		s.rxBuf.Write(p)
		return nil
	}
}

func (s *UARTSocket) HasBufferedData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxBuf.Len() > 0
}

func (s *UARTSocket) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}
