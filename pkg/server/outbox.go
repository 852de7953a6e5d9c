package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/securechat/pkg/protocol"
)

// writeChunkSize bounds how much is written under one write deadline
const writeChunkSize = 64 * 1024

// outbox is the Sender for a live connection. A single writer goroutine drains the
// queue, so frames never interleave on the wire. A full queue or a failed write closes
// the connection, which ends the reader and triggers cleanup.
type outbox struct {
	conn         net.Conn
	queue        chan protocol.Package
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	label        string
	metrics      *Metrics
}

func newOutbox(conn net.Conn, size int, writeTimeout time.Duration, label string, metrics *Metrics) *outbox {
	if size <= 0 {
		size = 1
	}
	return &outbox{
		conn:         conn,
		queue:        make(chan protocol.Package, size),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		label:        label,
		metrics:      metrics,
	}
}

// Send implements Sender
func (o *outbox) Send(p protocol.Package) bool {
	select {
	case <-o.done:
		return false
	default:
	}

	select {
	case o.queue <- p:
		return true
	case <-o.done:
		return false
	default:
		errorLog.Printf("%s: outbox full, dropping connection", o.label)
		o.Close()
		return false
	}
}

// Close implements Sender. Queued packages that were not written yet are dropped.
func (o *outbox) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.conn.Close()
	})
}

// run is the writer goroutine
func (o *outbox) run() {
	defer o.Close()

	for {
		select {
		case <-o.done:
			return
		case p := <-o.queue:
			if !o.write(p) {
				return
			}
		}
	}
}

func (o *outbox) write(p protocol.Package) bool {
	if err := protocol.Write(progressWriter{o: o}, p); err != nil {
		debugLog.Printf("%s: write %s failed: %v", o.label, p.Type(), err)
		return false
	}

	debugLog.Printf("%s → SEND: %s", o.label, p.Type())
	o.metrics.RecordPackageSent(p.Type())
	return true
}

// progressWriter writes in chunks and re-arms the write deadline before each one, so
// writeTimeout limits a stalled peer rather than the time a large frame takes.
type progressWriter struct {
	o *outbox
}

func (w progressWriter) Write(b []byte) (int, error) {
	written := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > writeChunkSize {
			chunk = chunk[:writeChunkSize]
		}
		if w.o.writeTimeout > 0 {
			if err := w.o.conn.SetWriteDeadline(time.Now().Add(w.o.writeTimeout)); err != nil {
				debugLog.Printf("%s: set write deadline: %v", w.o.label, err)
			}
		}
		n, err := w.o.conn.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		b = b[n:]
	}
	return written, nil
}
