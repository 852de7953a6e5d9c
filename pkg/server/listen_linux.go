//go:build linux

package server

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	somaxconnPath        = "/proc/sys/net/core/somaxconn"
	netstatPath          = "/proc/net/netstat"
	overflowPollInterval = 10 * time.Second
	lowSomaxconn         = 1024
)

// logListenBacklog reports the listener together with the kernel accept backlog
func logListenBacklog(addr string) {
	somaxconn := 0
	if data, err := os.ReadFile(somaxconnPath); err == nil {
		somaxconn, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}

	log.Printf("TCP server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < lowSomaxconn {
		log.Printf("WARNING: net.core.somaxconn=%d, bursts of joins may be dropped by the kernel (sysctl -w net.core.somaxconn=65535)", somaxconn)
	}
}

// monitorListenOverflows warns when the kernel drops connections the accept loop
// never saw because the backlog was full
func monitorListenOverflows(ctx context.Context) error {
	ticker := time.NewTicker(overflowPollInterval)
	defer ticker.Stop()

	last, _ := readListenOverflows()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current, ok := readListenOverflows()
			if !ok {
				continue
			}
			if current > last {
				log.Printf("WARNING: kernel dropped %d connection(s) on a full listen backlog (total %d)", current-last, current)
			}
			last = current
		}
	}
}

func readListenOverflows() (uint64, bool) {
	f, err := os.Open(netstatPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	return parseListenOverflows(f)
}

// parseListenOverflows extracts TcpExt ListenOverflows from /proc/net/netstat, where
// each section is a header line followed by a line of values with the same prefix
func parseListenOverflows(r io.Reader) (uint64, bool) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if names == nil {
			names = fields[1:]
			continue
		}
		for i, name := range names {
			if name != "ListenOverflows" || i+1 >= len(fields) {
				continue
			}
			v, err := strconv.ParseUint(fields[i+1], 10, 64)
			return v, err == nil
		}
		return 0, false
	}
	return 0, false
}
