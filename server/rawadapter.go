package server

import (
	"io"
	"sync"

	"github.com/mveland/goftpd/internal/pipe"
)

// rawAdapter is the identity adapter: it moves bytes between its outer
// and inner pipes unchanged. Every connection starts with exactly one of
// these; AUTH TLS retires it in favor of a tlsAdapter via hotSwapTail.
type rawAdapter struct {
	wg       sync.WaitGroup
	outerIn  *pipe.Pipe
	innerIn  *pipe.Pipe
	stopOnce sync.Once
}

func newRawAdapter() *rawAdapter {
	return &rawAdapter{}
}

func (a *rawAdapter) start(outerIn, outerOut, innerIn, innerOut *pipe.Pipe) error {
	a.outerIn = outerIn
	a.innerIn = innerIn

	a.wg.Add(2)
	go a.pump(outerIn, innerOut, &a.wg)
	go a.pump(innerIn, outerOut, &a.wg)
	return nil
}

// pump copies bytes from src to dst until src errors (closed, cancelled,
// or an I/O failure), then closes dst with the same error so whatever is
// downstream observes it too.
func (a *rawAdapter) pump(src, dst *pipe.Pipe, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if err == pipe.ErrReadCancelled {
				return
			}
			dst.Close(err)
			return
		}
	}
}

func (a *rawAdapter) pauseReceiver() {
	if a.outerIn != nil {
		a.outerIn.CancelRead()
	}
}

func (a *rawAdapter) stop() error {
	a.stopOnce.Do(func() {
		if a.outerIn != nil {
			a.outerIn.CancelRead()
		}
		if a.innerIn != nil {
			a.innerIn.CancelRead()
		}
		a.wg.Wait()
	})
	return nil
}

var _ io.Closer = (*rawAdapter)(nil)

func (a *rawAdapter) Close() error { return a.stop() }
