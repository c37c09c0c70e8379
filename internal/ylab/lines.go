package ylab

import (
	"bytes"
	"fmt"
)

// maxLine bounds a partial line; anything longer is line noise.
const maxLine = 4096

// lineReader owns a Port while the machine is Reading. It splits the byte
// stream into lines on its own goroutine so the machine can wait on
// commands and lines at the same time. stop hands the port back.
type lineReader struct {
	port  Port
	lines chan string
	errc  chan error
	quit  chan struct{}
	done  chan struct{}
}

func startLineReader(port Port) *lineReader {
	r := &lineReader{
		port:  port,
		lines: make(chan string, 256),
		errc:  make(chan error, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *lineReader) run() {
	defer close(r.done)

	buf := make([]byte, 512)
	var pending []byte
	for {
		select {
		case <-r.quit:
			return
		default:
		}

		n, err := r.port.Read(buf)
		if err != nil {
			r.errc <- fmt.Errorf("read: %w", err)
			return
		}
		if n == 0 {
			continue
		}
		pending = append(pending, buf[:n]...)

		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := string(bytes.TrimRight(pending[:i], "\r"))
			pending = pending[i+1:]
			if line == "" {
				continue
			}
			select {
			case r.lines <- line:
			case <-r.quit:
				return
			}
		}
		if len(pending) > maxLine {
			pending = nil
		}
	}
}

// stop ends the goroutine and returns the port. It waits at most one
// read timeout.
func (r *lineReader) stop() Port {
	close(r.quit)
	<-r.done
	return r.port
}
