// Package notifier pushes booking outcomes to QQ groups and users through a
// OneBot-compatible HTTP endpoint.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/metrics"
)

// Options configures the OneBot notifier.
type Options struct {
	BaseURL     string
	AccessToken string
	GroupIDs    []string // non-integer entries are skipped with a warning
	UserIDs     []string
	MaxRetries  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	Log         *logging.Logger
}

// Notifier fans one message out to every configured group and user.
type Notifier struct {
	base   string
	token  string
	groups []int64
	users  []int64
	hc     *http.Client

	maxRetries int
	retryDelay time.Duration
	log        *logging.ComponentLogger

	mSent   *metrics.Counter
	mFailed *metrics.Counter
}

func New(opts Options) *Notifier {
	var clog *logging.ComponentLogger
	if opts.Log != nil {
		clog = opts.Log.WithComponent("notifier")
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	n := &Notifier{
		base:       strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.AccessToken,
		hc:         &http.Client{Timeout: timeout},
		maxRetries: retries,
		retryDelay: delay,
		log:        clog,
		mSent:      metrics.Default.Counter("notifications_sent", "Notification messages delivered"),
		mFailed:    metrics.Default.Counter("notifications_failed", "Notification messages that failed all retries"),
	}
	n.groups = parseIDs(opts.GroupIDs, clog, "group")
	n.users = parseIDs(opts.UserIDs, clog, "user")
	return n
}

func parseIDs(raw []string, log *logging.ComponentLogger, kind string) []int64 {
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			if log != nil {
				log.Warn("skipping non-numeric "+kind+" id", logging.String("id", s))
			}
			continue
		}
		out = append(out, id)
	}
	return out
}

// Enabled reports whether any destination is configured.
func (n *Notifier) Enabled() bool {
	return n.base != "" && (len(n.groups) > 0 || len(n.users) > 0)
}

// Broadcast sends text to every configured destination. Per-destination
// failures are logged and do not stop the fan-out; the returned error is the
// last failure, nil when everything went through.
func (n *Notifier) Broadcast(ctx context.Context, text string) error {
	if !n.Enabled() {
		return nil
	}
	var lastErr error
	for _, gid := range n.groups {
		if err := n.send(ctx, "/send_group_msg", map[string]any{"group_id": gid, "message": text}); err != nil {
			lastErr = err
		}
	}
	for _, uid := range n.users {
		if err := n.send(ctx, "/send_private_msg", map[string]any{"user_id": uid, "message": text}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (n *Notifier) send(ctx context.Context, path string, payload map[string]any) error {
	var lastErr error
	for attempt := 1; attempt <= n.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.retryDelay):
			}
		}
		if err := n.post(ctx, path, payload); err != nil {
			lastErr = err
			if n.log != nil {
				n.log.Warn("notification send failed",
					logging.String("path", path), logging.Int("attempt", attempt), logging.Error(err))
			}
			continue
		}
		n.mSent.Inc(1)
		return nil
	}
	n.mFailed.Inc(1)
	return lastErr
}

func (n *Notifier) post(ctx context.Context, path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.hc.Do(req)
	if err != nil {
		return apperrors.NewTransient("notifier.post", err)
	}
	defer resp.Body.Close()
	var reply struct {
		Status  string `json:"status"`
		RetCode int    `json:"retcode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return apperrors.NewUpstream("notifier.post", resp.StatusCode, "undecodable OneBot reply")
	}
	if reply.Status != "ok" {
		return apperrors.NewUpstream("notifier.post", resp.StatusCode,
			fmt.Sprintf("status=%s retcode=%d", reply.Status, reply.RetCode))
	}
	return nil
}

// OrderSuccessMessage renders the order confirmation notification.
func OrderSuccessMessage(user, venueName, fieldTypeName string, intent models.OrderIntent, orderID string) string {
	var sb strings.Builder
	sb.WriteString("✅ 预约成功\n")
	if venueName != "" {
		fmt.Fprintf(&sb, "场馆: %s", venueName)
		if fieldTypeName != "" {
			fmt.Fprintf(&sb, " · %s", fieldTypeName)
		}
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "时间: %s %s-%s\n", intent.Date, intent.Start, intent.End)
	if intent.FieldName != "" {
		fmt.Fprintf(&sb, "场地: %s\n", intent.FieldName)
	}
	if intent.Price > 0 {
		fmt.Fprintf(&sb, "价格: ¥%.2f\n", intent.Price)
	}
	if user != "" {
		fmt.Fprintf(&sb, "账号: %s\n", user)
	}
	if orderID != "" {
		fmt.Fprintf(&sb, "订单号: %s", orderID)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// SlotFoundMessage renders a monitor hit as a bullet list of open slots.
func SlotFoundMessage(venueName, fieldTypeName, date string, slots []models.Slot) string {
	var sb strings.Builder
	sb.WriteString("🎯 监测到可预约场地\n")
	if venueName != "" {
		fmt.Fprintf(&sb, "%s", venueName)
		if fieldTypeName != "" {
			fmt.Fprintf(&sb, " · %s", fieldTypeName)
		}
		sb.WriteByte('\n')
	}
	for _, s := range slots {
		fmt.Fprintf(&sb, "- %s %s-%s | %s | 余%d ¥%.0f\n",
			date, s.Start, s.End, s.FieldName, s.Remain, s.Price)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// OrderFailureMessage renders a terminal booking failure.
func OrderFailureMessage(user, venueName string, intent models.OrderIntent, reason string) string {
	var sb strings.Builder
	sb.WriteString("❌ 预约失败\n")
	if venueName != "" {
		fmt.Fprintf(&sb, "场馆: %s\n", venueName)
	}
	fmt.Fprintf(&sb, "时间: %s %s-%s\n", intent.Date, intent.Start, intent.End)
	if user != "" {
		fmt.Fprintf(&sb, "账号: %s\n", user)
	}
	fmt.Fprintf(&sb, "原因: %s", reason)
	return sb.String()
}
