package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otprelay/backend/internal/domain"
	"otprelay/backend/internal/provider"
)

// fakeMailbox 收件箱内容由测试控制
type fakeMailbox struct {
	address string
	genErr  error

	mu       sync.Mutex
	messages []domain.Message
	bodies   map[string]*domain.MessageBody
	fetches  map[string]int
	lists    atomic.Int32

	// fetching 非空时每次 Fetch 开始都发送一个信号；block 非空时 Fetch 等待其关闭
	fetching chan struct{}
	block    chan struct{}
}

func newFakeMailbox(address string) *fakeMailbox {
	return &fakeMailbox{
		address: address,
		bodies:  make(map[string]*domain.MessageBody),
		fetches: make(map[string]int),
	}
}

func (f *fakeMailbox) Generate(ctx context.Context, kind provider.Kind) (string, error) {
	if f.genErr != nil {
		return "", f.genErr
	}
	return f.address, nil
}

func (f *fakeMailbox) CheckInbox(ctx context.Context) ([]domain.Message, error) {
	f.mu.Lock()
	msgs := append([]domain.Message(nil), f.messages...)
	f.mu.Unlock()
	f.lists.Add(1)
	return msgs, nil
}

func (f *fakeMailbox) Fetch(ctx context.Context, id string) (*domain.MessageBody, error) {
	if f.fetching != nil {
		select {
		case f.fetching <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[id]++
	body, ok := f.bodies[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return body, nil
}

func (f *fakeMailbox) Address() string           { return f.address }
func (f *fakeMailbox) ActiveKind() provider.Kind { return provider.KindMailTM }

func (f *fakeMailbox) deliver(id, from, subject, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, domain.Message{ID: id, From: from, Subject: subject})
	f.bodies[id] = &domain.MessageBody{From: from, Subject: subject, Text: text}
}

func (f *fakeMailbox) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

type fakePublisher struct {
	mu     sync.Mutex
	events map[string][]domain.Event
	emails map[string]string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{events: map[string][]domain.Event{}, emails: map[string]string{}}
}

func (p *fakePublisher) Publish(ctx context.Context, userID string, ev domain.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[userID] = append(p.events[userID], ev)
	return true
}

func (p *fakePublisher) RegisterEmail(userID, email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emails[userID] = email
}

func (p *fakePublisher) otps(userID string) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, ev := range p.events[userID] {
		if ev.Type == domain.EventTypeOTP {
			out = append(out, ev)
		}
	}
	return out
}

type fakeNotifier struct {
	mu       sync.Mutex
	started  int
	received []Result
	noOTP    []string
	timeouts int
}

func (n *fakeNotifier) MonitoringStarted(string, string, time.Duration) {
	n.mu.Lock()
	n.started++
	n.mu.Unlock()
}

func (n *fakeNotifier) OTPReceived(_ string, r Result) {
	n.mu.Lock()
	n.received = append(n.received, r)
	n.mu.Unlock()
}

func (n *fakeNotifier) NoOTPFound(_, _, subject, _ string) {
	n.mu.Lock()
	n.noOTP = append(n.noOTP, subject)
	n.mu.Unlock()
}

func (n *fakeNotifier) TimedOut(string) {
	n.mu.Lock()
	n.timeouts++
	n.mu.Unlock()
}

func (n *fakeNotifier) snapshot() (int, []Result, []string, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started, append([]Result(nil), n.received...), append([]string(nil), n.noOTP...), n.timeouts
}

type harness struct {
	m        *Manager
	pub      *fakePublisher
	notifier *fakeNotifier
	boxes    chan *fakeMailbox
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		pub:      newFakePublisher(),
		notifier: &fakeNotifier{},
		boxes:    make(chan *fakeMailbox, 16),
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Millisecond
	}
	if cfg.OTPTimeout == 0 {
		cfg.OTPTimeout = 5 * time.Second
	}
	if cfg.Filter.Subjects == nil && cfg.Filter.Senders == nil {
		cfg.Filter = DefaultSystemFilter()
	}
	h.m = NewManager(cfg, func() Mailbox { return <-h.boxes }, h.pub, h.notifier, nil, nil)
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) newAddress(t *testing.T, userID string, box *fakeMailbox) SessionInfo {
	t.Helper()
	h.boxes <- box
	info, err := h.m.NewAddress(context.Background(), userID, provider.KindAuto)
	require.NoError(t, err)
	return info
}

func (h *harness) waitIdle(t *testing.T, userID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := h.m.Status(userID)
		return err == nil && !info.Monitoring
	}, 2*time.Second, time.Millisecond)
}

func TestNewAddress(t *testing.T) {
	t.Run("生成地址并自动开始监控", func(t *testing.T) {
		h := newHarness(t, Config{})
		info := h.newAddress(t, "42", newFakeMailbox("a@mail.tm"))

		assert.Equal(t, "a@mail.tm", info.Address)
		assert.Equal(t, provider.KindMailTM, info.Provider)
		assert.True(t, info.Monitoring)
		assert.Equal(t, 1, h.m.Count())

		h.pub.mu.Lock()
		assert.Equal(t, "a@mail.tm", h.pub.emails["42"])
		require.Len(t, h.pub.events["42"], 1)
		assert.Equal(t, domain.EventTypeNewEmail, h.pub.events["42"][0].Type)
		h.pub.mu.Unlock()
	})

	t.Run("生成失败不创建会话", func(t *testing.T) {
		h := newHarness(t, Config{})
		box := newFakeMailbox("")
		box.genErr = errors.New("all providers exhausted")
		h.boxes <- box

		_, err := h.m.NewAddress(context.Background(), "42", provider.KindAuto)
		assert.Error(t, err)
		_, err = h.m.Status("42")
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("新地址替换旧会话", func(t *testing.T) {
		h := newHarness(t, Config{})
		old := newFakeMailbox("old@mail.tm")
		h.newAddress(t, "42", old)
		cur := newFakeMailbox("new@mail.tm")
		h.newAddress(t, "42", cur)

		assert.Equal(t, 1, h.m.Count())

		// 旧地址收到的验证码不再被发布
		old.deliver("m1", "a@b.c", "code", "Your verification code is 111111")
		cur.deliver("m2", "a@b.c", "code", "Your verification code is 222222")
		h.waitIdle(t, "42")

		otps := h.pub.otps("42")
		require.Len(t, otps, 1)
		assert.Equal(t, "222222", otps[0].OTP)
		assert.Equal(t, "new@mail.tm", otps[0].Email)
	})
}

func TestMonitoringLoop(t *testing.T) {
	t.Run("提取验证码后发布并回到空闲", func(t *testing.T) {
		h := newHarness(t, Config{})
		box := newFakeMailbox("a@mail.tm")
		h.newAddress(t, "42", box)

		box.deliver("m1", "noreply@accounts.google.com", "Sign in", "Your verification code is 123456")
		h.waitIdle(t, "42")

		otps := h.pub.otps("42")
		require.Len(t, otps, 1)
		assert.Equal(t, "123456", otps[0].OTP)
		assert.Equal(t, "noreply@accounts.google.com", otps[0].Sender)
		assert.Equal(t, "google", otps[0].Domain)

		_, received, _, _ := h.notifier.snapshot()
		require.Len(t, received, 1)
		assert.True(t, received[0].Delivered)
	})

	t.Run("同一封邮件只检查一次", func(t *testing.T) {
		h := newHarness(t, Config{})
		box := newFakeMailbox("a@mail.tm")
		h.newAddress(t, "42", box)

		box.deliver("m1", "news@example.org", "Newsletter", "nothing to see")
		before := box.lists.Load()
		require.Eventually(t, func() bool { return box.lists.Load() > before+3 }, 2*time.Second, time.Millisecond)

		assert.Equal(t, 1, box.fetchCount("m1"))
		_, _, noOTP, _ := h.notifier.snapshot()
		assert.Equal(t, []string{"Newsletter"}, noOTP)
		info, _ := h.m.Status("42")
		assert.Equal(t, 1, info.Seen)
		assert.True(t, info.Monitoring)
	})

	t.Run("系统邮件不通知", func(t *testing.T) {
		h := newHarness(t, Config{})
		box := newFakeMailbox("a@guerrillamail.com")
		h.newAddress(t, "42", box)

		box.deliver("m1", "no-reply@guerrillamail.com", "Welcome to Guerrilla Mail", "Thanks for using us")
		require.Eventually(t, func() bool { return box.fetchCount("m1") == 1 }, 2*time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		_, _, noOTP, _ := h.notifier.snapshot()
		assert.Empty(t, noOTP)
	})

	t.Run("超时后回到空闲并通知", func(t *testing.T) {
		h := newHarness(t, Config{OTPTimeout: 30 * time.Millisecond})
		h.newAddress(t, "42", newFakeMailbox("a@mail.tm"))

		h.waitIdle(t, "42")
		require.Eventually(t, func() bool {
			_, _, _, timeouts := h.notifier.snapshot()
			return timeouts == 1
		}, time.Second, time.Millisecond)
		assert.Empty(t, h.pub.otps("42"))
	})

	t.Run("停止后不再发布", func(t *testing.T) {
		h := newHarness(t, Config{CheckInterval: 50 * time.Millisecond})
		box := newFakeMailbox("a@mail.tm")
		h.newAddress(t, "42", box)
		require.Eventually(t, func() bool { return box.lists.Load() >= 1 }, time.Second, time.Millisecond)

		stopped, err := h.m.StopMonitoring("42")
		require.NoError(t, err)
		assert.True(t, stopped)

		box.deliver("m1", "a@b.c", "code", "Your verification code is 123456")
		time.Sleep(150 * time.Millisecond)

		assert.Empty(t, h.pub.otps("42"))

		stopped, err = h.m.StopMonitoring("42")
		require.NoError(t, err)
		assert.False(t, stopped)
	})
}

func TestStopDuringFetch(t *testing.T) {
	h := newHarness(t, Config{CheckInterval: 10 * time.Millisecond})
	box := newFakeMailbox("a@mail.tm")
	box.fetching = make(chan struct{}, 1)
	box.block = make(chan struct{})
	release := sync.OnceFunc(func() { close(box.block) })
	t.Cleanup(release)

	box.deliver("m1", "noreply@accounts.google.com", "Sign in", "Your verification code is 123456")
	h.newAddress(t, "42", box)

	select {
	case <-box.fetching:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch not started")
	}

	// 停止请求落在正文获取期间，本轮仍然完成并发布
	stopped, err := h.m.StopMonitoring("42")
	require.NoError(t, err)
	assert.True(t, stopped)
	release()

	require.Eventually(t, func() bool {
		_, received, _, _ := h.notifier.snapshot()
		return len(received) == 1 && h.m.Monitoring() == 0
	}, 2*time.Second, time.Millisecond)
	require.Len(t, h.pub.otps("42"), 1)
	assert.Equal(t, "123456", h.pub.otps("42")[0].OTP)

	// 重新启动后不会重复发布同一封邮件
	started, err := h.m.StartMonitoring("42")
	require.NoError(t, err)
	assert.True(t, started)
	before := box.lists.Load()
	require.Eventually(t, func() bool { return box.lists.Load() > before+3 }, 2*time.Second, time.Millisecond)

	assert.Len(t, h.pub.otps("42"), 1)
	assert.Equal(t, 1, box.fetchCount("m1"))
	_, received, _, _ := h.notifier.snapshot()
	assert.Len(t, received, 1)
}

func TestStartMonitoring(t *testing.T) {
	t.Run("重复启动是空操作", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.newAddress(t, "42", newFakeMailbox("a@mail.tm"))

		started, err := h.m.StartMonitoring("42")
		require.NoError(t, err)
		assert.False(t, started)

		n, _, _, _ := h.notifier.snapshot()
		assert.Equal(t, 1, n)
		assert.Equal(t, 1, h.m.Monitoring())
	})

	t.Run("没有会话", func(t *testing.T) {
		h := newHarness(t, Config{})
		_, err := h.m.StartMonitoring("nobody")
		assert.ErrorIs(t, err, ErrNoSession)
		_, err = h.m.StopMonitoring("nobody")
		assert.ErrorIs(t, err, ErrNoSession)
		_, err = h.m.CheckInbox(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("超过上限", func(t *testing.T) {
		h := newHarness(t, Config{MaxSessions: 1})
		h.newAddress(t, "1", newFakeMailbox("a@mail.tm"))

		h.boxes <- newFakeMailbox("b@mail.tm")
		info, err := h.m.NewAddress(context.Background(), "2", provider.KindAuto)
		assert.ErrorIs(t, err, ErrTooManySessions)
		assert.Equal(t, "b@mail.tm", info.Address)
		assert.False(t, info.Monitoring)

		_, err = h.m.StopMonitoring("1")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return h.m.Monitoring() == 0 }, 2*time.Second, time.Millisecond)

		started, err := h.m.StartMonitoring("2")
		require.NoError(t, err)
		assert.True(t, started)
	})

	t.Run("停止后重新启动", func(t *testing.T) {
		h := newHarness(t, Config{})
		box := newFakeMailbox("a@mail.tm")
		h.newAddress(t, "42", box)

		_, err := h.m.StopMonitoring("42")
		require.NoError(t, err)
		started, err := h.m.StartMonitoring("42")
		require.NoError(t, err)
		assert.True(t, started)

		box.deliver("m1", "a@b.c", "code", "Your verification code is 654321")
		h.waitIdle(t, "42")
		require.Len(t, h.pub.otps("42"), 1)
	})
}

func TestSweep(t *testing.T) {
	h := newHarness(t, Config{SessionTTL: time.Hour})
	h.newAddress(t, "old", newFakeMailbox("old@mail.tm"))
	h.newAddress(t, "new", newFakeMailbox("new@mail.tm"))

	// 把 old 的创建时间调到两小时前
	v, _ := h.m.sessions.Load("old")
	v.(*Session).CreatedAt = time.Now().Add(-2 * time.Hour)

	assert.Equal(t, 1, h.m.Sweep(time.Now()))
	assert.Equal(t, 1, h.m.Count())

	_, err := h.m.Status("old")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = h.m.Status("new")
	assert.NoError(t, err)

	// 被清理的会话的监控循环随之退出
	require.Eventually(t, func() bool { return h.m.Monitoring() == 1 }, 2*time.Second, time.Millisecond)
}

func TestManualInbox(t *testing.T) {
	h := newHarness(t, Config{})
	box := newFakeMailbox("a@mail.tm")
	h.newAddress(t, "42", box)
	for i := 0; i < 3; i++ {
		box.deliver(fmt.Sprintf("m%d", i), "x@y.z", "hello", "no code")
	}

	msgs, err := h.m.CheckInbox(context.Background(), "42")
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestSystemFilter(t *testing.T) {
	f := DefaultSystemFilter()
	assert.True(t, f.Match("Welcome to Mail.tm", "x@y.z"))
	assert.True(t, f.Match("Hello", "no-reply@GuerrillaMail.com"))
	assert.False(t, f.Match("Your order", "shop@example.org"))
	assert.False(t, SystemFilter{}.Match("welcome", "guerrilla"))

	custom := SystemFilter{Subjects: []string{"Welcome"}, Senders: []string{"NoReply@Tempmail"}}
	assert.True(t, custom.Match("welcome aboard", "x@y.z"))
	assert.True(t, custom.Match("Hi", "noreply@tempmail.io"))
}
