package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pin/tftp"
	"github.com/rs/zerolog"

	"otad/services/firmware"
	"otad/services/otad/internal/config"
)

// Downloader resolves and counts firmware downloads.
type Downloader interface {
	Download(ctx context.Context, key, transport string) (*os.File, firmware.Download, error)
}

// Server serves firmware images read-only over TFTP. The requested filename is a
// firmware key, optionally with the .bin extension.
type Server struct {
	cfg    config.TFTP
	files  Downloader
	logger zerolog.Logger
}

// NewServer constructs a TFTP server backed by files.
func NewServer(cfg config.TFTP, files Downloader, logger zerolog.Logger) (*Server, error) {
	if files == nil {
		return nil, errors.New("firmware downloader is required")
	}
	return &Server{cfg: cfg, files: files, logger: logger}, nil
}

// Run listens until ctx is cancelled. ready is set once the socket is bound.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	srv := tftp.NewServer(s.readHandler, nil)
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	srv.SetTimeout(timeout)

	addr := s.cfg.Address
	if addr == "" {
		addr = ":69"
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if ready != nil {
		ready.Store(true)
	}
	s.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("tftp listening")

	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		return nil
	}
}

// firmwareKey maps a TFTP filename onto a registry key.
func firmwareKey(filename string) (string, error) {
	name := strings.TrimLeft(path.Clean("/"+strings.ReplaceAll(filename, "\\", "/")), "/")
	name = strings.TrimSuffix(name, firmware.BinaryExtension)
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid firmware name %q", filename)
	}
	return name, nil
}

type sizer interface {
	SetSize(n int64)
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	key, err := firmwareKey(filename)
	if err != nil {
		s.logger.Warn().Str("filename", filename).Msg("tftp request rejected")
		return err
	}

	f, d, err := s.files.Download(context.Background(), key, firmware.TransportTFTP)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("tftp firmware lookup failed")
		return err
	}
	defer f.Close()

	if ts, ok := rf.(sizer); ok {
		ts.SetSize(d.Size)
	}
	n, err := rf.ReadFrom(f)
	if err != nil {
		return err
	}
	s.logger.Info().Str("key", key).Int64("bytes", n).Msg("served firmware via TFTP")
	return nil
}
