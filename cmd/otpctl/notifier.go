package main

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"otprelay/backend/internal/monitor"
)

var (
	errNoOTP            = errors.New("no passcode received")
	errGenerationFailed = errors.New("all providers failed, try again later")
)

// consoleNotifier 把监控通知打印到终端，收到验证码或超时后结束等待
type consoleNotifier struct {
	out   io.Writer
	mu    sync.Mutex
	done  chan struct{}
	once  sync.Once
	found bool
}

func newConsoleNotifier(out io.Writer) *consoleNotifier {
	return &consoleNotifier{out: out, done: make(chan struct{})}
}

func (n *consoleNotifier) printf(format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, format, args...)
}

func (n *consoleNotifier) finish(found bool) {
	n.once.Do(func() {
		n.mu.Lock()
		n.found = found
		n.mu.Unlock()
		close(n.done)
	})
}

// Done 等待结束
func (n *consoleNotifier) Done() <-chan struct{} {
	return n.done
}

// Found 是否收到验证码
func (n *consoleNotifier) Found() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.found
}

func (n *consoleNotifier) MonitoringStarted(_, address string, timeout time.Duration) {
	n.printf("Address: %s\nWaiting up to %s for a passcode...\n", address, timeout)
}

func (n *consoleNotifier) OTPReceived(_ string, r monitor.Result) {
	n.printf("\nPasscode: %s\nFrom:     %s\nSubject:  %s\n", r.Code, r.Sender, r.Subject)
	if r.Service != "" {
		n.printf("Service:  %s\n", r.Service)
	}
	if r.Delivered {
		n.printf("Delivered to the browser extension.\n")
	}
	n.finish(true)
}

func (n *consoleNotifier) NoOTPFound(_, sender, subject, preview string) {
	n.printf("\nNew message without a passcode\nFrom:    %s\nSubject: %s\n%s\n", sender, subject, preview)
}

func (n *consoleNotifier) TimedOut(string) {
	n.printf("\nTimed out waiting for a passcode.\n")
	n.finish(false)
}
