// Package nbd serves images read-only over the NBD (Network Block Device)
// protocol, so a volume found in an image can be attached with
// nbd-client and examined with the host's own tools. Writes and trims
// are refused with EPERM.
package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/lvdlvd/rawhide/fsys"
)

// Protocol constants, see the NBD protocol document.
const (
	nbdMagic            = uint64(0x4e42444d41474943) // "NBDMAGIC"
	nbdOptionMagic      = uint64(0x49484156454F5054) // "IHAVEOPT"
	nbdReplyMagic       = uint64(0x3e889045565a9)
	nbdRequestMagic     = uint32(0x25609513)
	nbdReplyMagicSimple = uint32(0x67446698)

	nbdFlagFixedNewstyle = uint16(1 << 0)
	nbdFlagNoZeroes      = uint16(1 << 1)
	nbdFlagCNoZeroes     = uint32(1 << 1)

	nbdFlagHasFlags  = uint16(1 << 0)
	nbdFlagReadOnly  = uint16(1 << 1)
	nbdFlagSendFlush = uint16(1 << 2)

	nbdOptExportName = uint32(1)
	nbdOptAbort      = uint32(2)
	nbdOptList       = uint32(3)
	nbdOptInfo       = uint32(6)
	nbdOptGo         = uint32(7)

	nbdRepAck        = uint32(1)
	nbdRepServer     = uint32(2)
	nbdRepInfo       = uint32(3)
	nbdRepErrUnsup   = uint32(0x80000001)
	nbdRepErrUnknown = uint32(0x80000006)

	nbdInfoExport    = uint16(0)
	nbdInfoBlockSize = uint16(3)

	nbdCmdRead  = uint16(0)
	nbdCmdWrite = uint16(1)
	nbdCmdDisc  = uint16(2)
	nbdCmdFlush = uint16(3)
	nbdCmdTrim  = uint16(4)

	nbdErrNone  = uint32(0)
	nbdErrPerm  = uint32(1)
	nbdErrIO    = uint32(5)
	nbdErrInval = uint32(22)

	blockSize  = uint32(512)
	maxRequest = uint32(32 << 20)
)

// Export is a named image clients can attach.
type Export struct {
	Name  string
	Image fsys.Image
}

// Server serves a fixed set of exports.
type Server struct {
	mu       sync.RWMutex
	exports  map[string]*Export
	names    []string // in the order added; the first is the default
	listener net.Listener
	done     chan struct{}
	conns    sync.WaitGroup
}

// NewServer returns a server with no exports.
func NewServer() *Server {
	return &Server{
		exports: make(map[string]*Export),
		done:    make(chan struct{}),
	}
}

// AddExport registers exp under its name.
func (s *Server) AddExport(exp *Export) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exports[exp.Name]; ok {
		return fsys.Errorf(fsys.ErrArgument, "nbd_export", "export %q already exists", exp.Name)
	}
	s.exports[exp.Name] = exp
	s.names = append(s.names, exp.Name)
	return nil
}

// Exports returns the export names, sorted.
func (s *Server) Exports() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := append([]string(nil), s.names...)
	sort.Strings(names)
	return names
}

// export looks up name; the empty name selects the first export.
func (s *Server) export(name string) *Export {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" && len(s.names) > 0 {
		name = s.names[0]
	}
	return s.exports[name]
}

// ListenUnix serves on a unix socket at path, replacing a stale socket
// file, until Close.
func (s *Server) ListenUnix(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("nbd: removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("nbd: %w", err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		log.Warnf("nbd: chmod %s: %v", path, err)
	}
	log.Infof("nbd: connect with: nbd-client -N <export> -unix %s /dev/nbdX", path)
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close, one goroutine each.
func (s *Server) Serve(ln net.Listener) error {
	if len(s.Exports()) == 0 {
		return fsys.Errorf(fsys.ErrArgument, "nbd_serve", "no exports defined")
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for _, name := range s.Exports() {
		log.WithFields(log.Fields{"export": name, "size": s.export(name).Image.Size()}).Info("nbd: serving")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				s.conns.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Warnf("nbd: accept: %v", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.ServeConn(conn)
		}()
	}
}

// Close stops Serve. Connections already open run until the client
// disconnects.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// session is one client connection.
type session struct {
	server   *Server
	conn     io.ReadWriter
	export   *Export
	noZeroes bool
}

// ServeConn runs the handshake and then the transmission phase on conn,
// and closes it.
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()
	l := log.WithField("remote", conn.RemoteAddr())
	l.Debug("nbd: new connection")

	sess := &session{server: s, conn: conn}
	if err := sess.negotiate(); err != nil {
		l.Debugf("nbd: negotiation failed: %v", err)
		return
	}
	l = l.WithField("export", sess.export.Name)
	if err := sess.transmit(); err != nil && !errors.Is(err, io.EOF) {
		l.Warnf("nbd: transmission: %v", err)
		return
	}
	l.Debug("nbd: connection closed")
}

// negotiate runs the fixed newstyle handshake until the client picks an
// export.
func (sess *session) negotiate() error {
	greeting := make([]byte, 18)
	binary.BigEndian.PutUint64(greeting[0:8], nbdMagic)
	binary.BigEndian.PutUint64(greeting[8:16], nbdOptionMagic)
	binary.BigEndian.PutUint16(greeting[16:18], nbdFlagFixedNewstyle|nbdFlagNoZeroes)
	if _, err := sess.conn.Write(greeting); err != nil {
		return fmt.Errorf("sending greeting: %w", err)
	}

	var clientFlags [4]byte
	if _, err := io.ReadFull(sess.conn, clientFlags[:]); err != nil {
		return fmt.Errorf("reading client flags: %w", err)
	}
	sess.noZeroes = binary.BigEndian.Uint32(clientFlags[:])&nbdFlagCNoZeroes != 0

	for {
		var hdr [16]byte
		if _, err := io.ReadFull(sess.conn, hdr[:]); err != nil {
			return fmt.Errorf("reading option header: %w", err)
		}
		if magic := binary.BigEndian.Uint64(hdr[0:8]); magic != nbdOptionMagic {
			return fmt.Errorf("bad option magic %#x", magic)
		}
		opt := binary.BigEndian.Uint32(hdr[8:12])
		n := binary.BigEndian.Uint32(hdr[12:16])
		if n > 4096 {
			return fmt.Errorf("option %d: %d bytes of data", opt, n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(sess.conn, data); err != nil {
			return fmt.Errorf("reading option data: %w", err)
		}

		done, err := sess.option(opt, data)
		if err != nil || done {
			return err
		}
	}
}

func (sess *session) option(opt uint32, data []byte) (done bool, err error) {
	switch opt {
	case nbdOptExportName:
		exp := sess.server.export(string(data))
		if exp == nil {
			return false, fmt.Errorf("unknown export %q", data)
		}
		sess.export = exp
		return true, sess.sendExportName()

	case nbdOptInfo, nbdOptGo:
		name := ""
		if len(data) >= 4 {
			if n := binary.BigEndian.Uint32(data[0:4]); uint64(n)+4 <= uint64(len(data)) {
				name = string(data[4 : 4+n])
			}
		}
		exp := sess.server.export(name)
		if exp == nil {
			return false, sess.reply(opt, nbdRepErrUnknown, nil)
		}
		if err := sess.sendInfo(opt, exp); err != nil {
			return false, err
		}
		if opt == nbdOptInfo {
			return false, nil
		}
		sess.export = exp
		return true, nil

	case nbdOptList:
		for _, name := range sess.server.Exports() {
			b := make([]byte, 4+len(name))
			binary.BigEndian.PutUint32(b[0:4], uint32(len(name)))
			copy(b[4:], name)
			if err := sess.reply(opt, nbdRepServer, b); err != nil {
				return false, err
			}
		}
		return false, sess.reply(opt, nbdRepAck, nil)

	case nbdOptAbort:
		sess.reply(opt, nbdRepAck, nil)
		return false, errors.New("client aborted")
	}
	return false, sess.reply(opt, nbdRepErrUnsup, nil)
}

func (sess *session) reply(opt, typ uint32, data []byte) error {
	b := make([]byte, 20+len(data))
	binary.BigEndian.PutUint64(b[0:8], nbdReplyMagic)
	binary.BigEndian.PutUint32(b[8:12], opt)
	binary.BigEndian.PutUint32(b[12:16], typ)
	binary.BigEndian.PutUint32(b[16:20], uint32(len(data)))
	copy(b[20:], data)
	_, err := sess.conn.Write(b)
	return err
}

const exportFlags = nbdFlagHasFlags | nbdFlagReadOnly | nbdFlagSendFlush

func (sess *session) sendInfo(opt uint32, exp *Export) error {
	info := make([]byte, 12)
	binary.BigEndian.PutUint16(info[0:2], nbdInfoExport)
	binary.BigEndian.PutUint64(info[2:10], uint64(exp.Image.Size()))
	binary.BigEndian.PutUint16(info[10:12], exportFlags)
	if err := sess.reply(opt, nbdRepInfo, info); err != nil {
		return err
	}

	bs := make([]byte, 14)
	binary.BigEndian.PutUint16(bs[0:2], nbdInfoBlockSize)
	binary.BigEndian.PutUint32(bs[2:6], 1)
	binary.BigEndian.PutUint32(bs[6:10], blockSize)
	binary.BigEndian.PutUint32(bs[10:14], maxRequest)
	if err := sess.reply(opt, nbdRepInfo, bs); err != nil {
		return err
	}
	return sess.reply(opt, nbdRepAck, nil)
}

func (sess *session) sendExportName() error {
	n := 10
	if !sess.noZeroes {
		n += 124
	}
	b := make([]byte, n)
	binary.BigEndian.PutUint64(b[0:8], uint64(sess.export.Image.Size()))
	binary.BigEndian.PutUint16(b[8:10], exportFlags)
	_, err := sess.conn.Write(b)
	return err
}

func (sess *session) transmit() error {
	var hdr [28]byte
	for {
		if _, err := io.ReadFull(sess.conn, hdr[:]); err != nil {
			return err
		}
		if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != nbdRequestMagic {
			return fmt.Errorf("bad request magic %#x", magic)
		}
		cmd := binary.BigEndian.Uint16(hdr[6:8])
		handle := hdr[8:16]
		off := binary.BigEndian.Uint64(hdr[16:24])
		length := binary.BigEndian.Uint32(hdr[24:28])

		var err error
		switch cmd {
		case nbdCmdRead:
			err = sess.read(handle, off, length)
		case nbdCmdWrite:
			if _, err = io.CopyN(io.Discard, sess.conn, int64(length)); err == nil {
				err = sess.sendReply(handle, nbdErrPerm, nil)
			}
		case nbdCmdTrim:
			err = sess.sendReply(handle, nbdErrPerm, nil)
		case nbdCmdFlush:
			err = sess.sendReply(handle, nbdErrNone, nil)
		case nbdCmdDisc:
			return nil
		default:
			log.Debugf("nbd: unknown command %d", cmd)
			err = sess.sendReply(handle, nbdErrInval, nil)
		}
		if err != nil {
			return err
		}
	}
}

func (sess *session) read(handle []byte, off uint64, length uint32) error {
	img := sess.export.Image
	if length > maxRequest || off+uint64(length) > uint64(img.Size()) {
		return sess.sendReply(handle, nbdErrInval, nil)
	}
	data := make([]byte, length)
	n, err := img.ReadAt(data, int64(off))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		log.WithField("export", sess.export.Name).Warnf("nbd: read %d bytes at %d: %v", length, off, err)
		return sess.sendReply(handle, nbdErrIO, nil)
	}
	return sess.sendReply(handle, nbdErrNone, data)
}

func (sess *session) sendReply(handle []byte, code uint32, data []byte) error {
	b := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(b[0:4], nbdReplyMagicSimple)
	binary.BigEndian.PutUint32(b[4:8], code)
	copy(b[8:16], handle)
	copy(b[16:], data)
	_, err := sess.conn.Write(b)
	return err
}
