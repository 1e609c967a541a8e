package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/storage"
)

const (
	sendTimeout = 10 * time.Second
	pushTTL     = 60 * 60
	// previewLen — сколько символов тела сообщения попадает в уведомление.
	previewLen = 120
)

// Notification — полезная нагрузка, которую получает service worker.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Notifier отправляет Web Push участникам без живого соединения.
// Без VAPID-ключей подписки сохраняются, а отправка не выполняется.
type Notifier struct {
	subs    storage.PushSubscriptions
	opts    *webpush.Options
	send    sendFunc
	timeout time.Duration
}

func NewNotifier(subs storage.PushSubscriptions, keys *VAPIDKeys, subject string) *Notifier {
	n := &Notifier{subs: subs, send: webpush.SendNotificationWithContext, timeout: sendTimeout}
	if keys.Valid() {
		n.opts = &webpush.Options{
			Subscriber:      subject,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             pushTTL,
		}
	}
	return n
}

// Enabled сообщает, настроены ли VAPID-ключи.
func (n *Notifier) Enabled() bool { return n != nil && n.opts != nil }

// PublicKey — ключ для PushManager.subscribe на клиенте.
func (n *Notifier) PublicKey() string {
	if !n.Enabled() {
		return ""
	}
	return n.opts.VAPIDPublicKey
}

func (n *Notifier) Subscribe(ctx context.Context, userID int64, sub storage.PushSubscription) error {
	return n.subs.AddSubscription(ctx, userID, sub)
}

func (n *Notifier) Unsubscribe(ctx context.Context, userID int64, endpoint string) error {
	return n.subs.RemoveSubscription(ctx, userID, endpoint)
}

// Notify отправляет уведомление на все подписки пользователя. Подписки, на которые
// push-сервис ответил 404/410, удаляются. Возвращает число успешных отправок.
func (n *Notifier) Notify(ctx context.Context, userID int64, msg Notification) int {
	if !n.Enabled() {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	subs, err := n.subs.Subscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push subscriptions user=%d: %v", userID, err)
		return 0
	}
	if len(subs) == 0 {
		return 0
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("push payload: %v", err)
		return 0
	}

	sent := 0
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := n.send(ctx, payload, wpSub, n.opts)
		if err != nil {
			logger.Errorf("push send %s: %v", sub.Endpoint[:min(50, len(sub.Endpoint))], err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			if err := n.subs.RemoveSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push prune user=%d: %v", userID, err)
			}
		case resp.StatusCode >= 300:
			logger.Errorf("push send user=%d: status %d", userID, resp.StatusCode)
		default:
			sent++
		}
	}
	return sent
}

// NotifyAsync — Notify в отдельной горутине с собственным контекстом; не блокирует рассылку.
func (n *Notifier) NotifyAsync(userIDs []int64, msg Notification) {
	if !n.Enabled() || len(userIDs) == 0 {
		return
	}
	go func() {
		for _, id := range userIDs {
			n.Notify(context.Background(), id, msg)
		}
	}()
}

// Preview обрезает тело сообщения для уведомления.
func Preview(body string) string {
	r := []rune(body)
	if len(r) <= previewLen {
		return body
	}
	return string(r[:previewLen]) + "…"
}
