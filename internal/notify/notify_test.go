package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"leafcheck/internal/config"
	"leafcheck/internal/eventbus"
	"leafcheck/internal/storage"
	logx "leafcheck/pkg/logx"
)

func TestDingtalkSign(t *testing.T) {
	t.Parallel()
	// Signature must be stable for a fixed timestamp/secret pair.
	got := dingtalkSign("1609459200000", "SECabc")
	if got == "" {
		t.Fatal("empty signature")
	}
	if got != dingtalkSign("1609459200000", "SECabc") {
		t.Fatal("signature not deterministic")
	}
	if got == dingtalkSign("1609459200001", "SECabc") {
		t.Fatal("timestamp must affect signature")
	}
}

func TestBuildChannels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings storage.NotifySettings
		want     []string
	}{
		{
			name: "all configured",
			settings: storage.NotifySettings{
				TelegramEnabled: true, TelegramBotToken: "t", TelegramUserID: "1",
				WechatEnabled: true, WechatWebhookKey: "k",
				WxPusherEnabled: true, WxPusherAppToken: "a", WxPusherUID: "u",
				DingTalkEnabled: true, DingTalkAccessToken: "at", DingTalkSecret: "s",
			},
			want: []string{"telegram", "wechat", "wxpusher", "dingtalk"},
		},
		{
			name: "enabled but missing credentials",
			settings: storage.NotifySettings{
				TelegramEnabled: true, // no token
				WechatEnabled:   true, WechatWebhookKey: "k",
			},
			want: []string{"wechat"},
		},
		{
			name:     "nothing enabled",
			settings: storage.NotifySettings{},
			want:     nil,
		},
	}

	httpc := &http.Client{}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := buildChannels(&tt.settings, httpc)
			if len(got) != len(tt.want) {
				t.Fatalf("channel count: got %d want %d", len(got), len(tt.want))
			}
			for i, ch := range got {
				if ch.Name() != tt.want[i] {
					t.Errorf("channel %d: got %q want %q", i, ch.Name(), tt.want[i])
				}
			}
		})
	}
}

func TestWechatChannelSend(t *testing.T) {
	t.Parallel()

	var gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "webhook-key" {
			t.Errorf("key not propagated: %s", r.URL.RawQuery)
		}
		var payload struct {
			MsgType string `json:"msgtype"`
			Text    struct {
				Content string `json:"content"`
			} `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotContent = payload.Text.Content
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	ch := &wechatChannel{key: "webhook-key", host: srv.URL, httpc: srv.Client()}
	if err := ch.Send(context.Background(), "签到结果", "ok"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotContent != "【签到结果】\n\nok" {
		t.Fatalf("unexpected content: %q", gotContent)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errcode":93000,"errmsg":"invalid key"}`))
	}))
	defer bad.Close()
	ch = &wechatChannel{key: "x", host: bad.URL, httpc: bad.Client()}
	if err := ch.Send(context.Background(), "t", "b"); err == nil {
		t.Fatal("expected error from errcode != 0")
	}
}

func TestWxpusherChannelSend(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["appToken"] != "AT" {
			t.Errorf("appToken missing: %v", payload)
		}
		if ct, _ := payload["contentType"].(float64); ct != 2 {
			t.Errorf("contentType should be html (2), got %v", payload["contentType"])
		}
		w.Write([]byte(`{"code":1000,"msg":"ok"}`))
	}))
	defer srv.Close()

	ch := &wxpusherChannel{appToken: "AT", uid: "UID_1", host: srv.URL, httpc: srv.Client()}
	if err := ch.Send(context.Background(), "title", "body"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

// notifyStore stubs the settings read the service performs per delivery.
type notifyStore struct {
	storage.Store

	mu       sync.Mutex
	settings storage.NotifySettings
}

func (n *notifyStore) NotifySettings(ctx context.Context) (*storage.NotifySettings, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.settings
	return &s, nil
}

func TestServiceDeliversThroughQueue(t *testing.T) {
	t.Parallel()

	delivered := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text struct {
				Content string `json:"content"`
			} `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		delivered <- payload.Text.Content
		w.Write([]byte(`{"errcode":0}`))
	}))
	defer srv.Close()

	st := &notifyStore{settings: storage.NotifySettings{
		Enabled:       true,
		WechatEnabled: true, WechatWebhookKey: "k", WechatHost: srv.URL,
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	svc := New(config.NotifyConfig{Workers: 1, QueueSize: 8, RatePerSec: 100}, st, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	if err := svc.Deliver(Message{Title: "检查结果", Body: "done", Account: "a1"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	select {
	case content := <-delivered:
		if content != "【检查结果】\n\ndone" {
			t.Fatalf("unexpected content: %q", content)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery timed out")
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeNotifySent {
			t.Fatalf("expected sent event, got %q", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event published")
	}
}

func TestServiceSkipsWhenDisabled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"errcode":0}`))
	}))
	defer srv.Close()

	st := &notifyStore{settings: storage.NotifySettings{
		Enabled:       false,
		WechatEnabled: true, WechatWebhookKey: "k", WechatHost: srv.URL,
	}}
	svc := New(config.NotifyConfig{Workers: 1}, st, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	if err := svc.Deliver(Message{Title: "t", Body: "b"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	svc.Stop(context.Background())

	if calls.Load() != 0 {
		t.Fatalf("disabled notifications must not send, got %d calls", calls.Load())
	}
}

func TestStopDrainsQueuedMessages(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	gate := make(chan struct{})
	firstInFlight := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(firstInFlight)
			<-gate
		}
		w.Write([]byte(`{"errcode":0}`))
	}))
	defer srv.Close()

	st := &notifyStore{settings: storage.NotifySettings{
		Enabled:       true,
		WechatEnabled: true, WechatWebhookKey: "k", WechatHost: srv.URL,
	}}
	svc := New(config.NotifyConfig{Workers: 1, QueueSize: 8, RatePerSec: 100}, st, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	if err := svc.Deliver(Message{Title: "t1", Body: "b"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	select {
	case <-firstInFlight:
	case <-time.After(5 * time.Second):
		t.Fatal("first delivery never started")
	}
	// Queue two more while the single worker is stuck in the first send.
	if err := svc.Deliver(Message{Title: "t2", Body: "b"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := svc.Deliver(Message{Title: "t3", Body: "b"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	// Cancelling the run context must not discard what is already queued.
	cancel()
	close(gate)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	svc.Stop(stopCtx)

	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 deliveries after stop, got %d", got)
	}
}

func TestDeliverAfterStop(t *testing.T) {
	t.Parallel()

	svc := New(config.NotifyConfig{}, &notifyStore{}, logx.Nop(), nil)
	if err := svc.Deliver(Message{Title: "t"}); err != ErrStopped {
		t.Fatalf("expected ErrStopped before start, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Stop(context.Background())
	if err := svc.Deliver(Message{Title: "t"}); err != ErrStopped {
		t.Fatalf("expected ErrStopped after stop, got %v", err)
	}
}

func TestTestSendReportsChannelErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errcode":93000,"errmsg":"invalid key"}`))
	}))
	defer srv.Close()

	st := &notifyStore{settings: storage.NotifySettings{
		Enabled:       true,
		WechatEnabled: true, WechatWebhookKey: "bad", WechatHost: srv.URL,
	}}
	svc := New(config.NotifyConfig{}, st, logx.Nop(), nil)
	if err := svc.TestSend(context.Background(), Message{Title: "t", Body: "b"}); err == nil {
		t.Fatal("expected channel error")
	}

	st.mu.Lock()
	st.settings.Enabled = false
	st.mu.Unlock()
	if err := svc.TestSend(context.Background(), Message{Title: "t"}); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
