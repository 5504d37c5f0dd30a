package sender_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/sender"
)

// newSubscriptionKeys returns client keys shaped like a browser's PushSubscription.
func newSubscriptionKeys(t *testing.T) domain.PushKeys {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate p256dh: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("generate auth: %v", err)
	}
	return domain.PushKeys{
		P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		Auth:   base64.RawURLEncoding.EncodeToString(auth),
	}
}

func newTransport(t *testing.T) *sender.WebPushTransport {
	t.Helper()
	priv, pub, err := sender.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate vapid keys: %v", err)
	}
	return sender.NewWebPushTransport(sender.WebPushConfig{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subject:         "mailto:ops@example.com",
		TTL:             60,
		Timeout:         5 * time.Second,
	})
}

func TestWebPushTransport_EncryptsAndAuthenticates(t *testing.T) {
	var (
		gotAuth, gotEncoding, gotTTL, gotUrgency string
		gotBodyLen                               int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEncoding = r.Header.Get("Content-Encoding")
		gotTTL = r.Header.Get("TTL")
		gotUrgency = r.Header.Get("Urgency")
		body, _ := io.ReadAll(r.Body)
		gotBodyLen = len(body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cred := &domain.PushCredential{Endpoint: srv.URL + "/send/abc", Keys: newSubscriptionKeys(t)}
	resp, err := newTransport(t).Push(context.Background(), cred, []byte(`{"title":"t","body":"b"}`), "high")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(gotAuth, "vapid t=") {
		t.Fatalf("expected VAPID authorization, got %q", gotAuth)
	}
	if gotEncoding != "aes128gcm" {
		t.Fatalf("expected aes128gcm encoding, got %q", gotEncoding)
	}
	if gotTTL != "60" {
		t.Fatalf("expected TTL 60, got %q", gotTTL)
	}
	if gotUrgency != "high" {
		t.Fatalf("expected high urgency, got %q", gotUrgency)
	}
	if gotBodyLen == 0 {
		t.Fatal("expected an encrypted body")
	}
}

func TestPushSender_WithWebPush_GoneEndpoint(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte("push subscription has unsubscribed or expired"))
	}))
	defer srv.Close()

	keys := newSubscriptionKeys(t)
	target := `{"endpoint":"` + srv.URL + `/send/gone","keys":{"p256dh":"` + keys.P256dh + `","auth":"` + keys.Auth + `"}}`

	err := sender.NewPushSender(newTransport(t)).Send(context.Background(), pushRecord(target))
	if got := kindOf(t, err); got != domain.FailureInvalidEndpoint {
		t.Fatalf("expected invalid endpoint, got %s", got)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected exactly one request, got %d", n)
	}
}
