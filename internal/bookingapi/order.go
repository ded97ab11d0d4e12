package bookingapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/VhahahaV/sJAutoSport-sub000/internal/httpclient"
	"github.com/VhahahaV/sJAutoSport-sub000/internal/models"
	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/logging"
	"github.com/VhahahaV/sJAutoSport-sub000/pkg/metrics"
)

// OrderResult is the outcome of a successful submission.
type OrderResult struct {
	OrderID  string
	Attempts int
	Message  string
}

// SignRefresher re-fetches a fresh sign token for the intent's slot right
// before a retry. Returning ("", error) keeps the stale token in play.
type SignRefresher func(ctx context.Context) (string, error)

// SubmitOrder sends one encrypted order request, retrying on retriable
// failures with a freshly fetched sign each attempt. Success requires an HTTP
// 200 whose JSON carries no error code and no failure keyword.
func (a *API) SubmitOrder(ctx context.Context, intent models.OrderIntent, refresh SignRefresher) (*OrderResult, error) {
	if a.codec == nil {
		return nil, apperrors.NewConfig("bookingapi.SubmitOrder",
			"order submission needs the upstream RSA public key (ORDER_RSA_PUBLIC_KEY)", nil)
	}
	submitted := metrics.Default.Counter("orders_submitted", "Order submission attempts")
	failed := metrics.Default.Counter("orders_failed", "Order submissions that exhausted retries")

	var lastErr error
	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, apperrors.NewTransient("bookingapi.SubmitOrder", ctx.Err())
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			if refresh != nil {
				if sign, err := refresh(ctx); err == nil && sign != "" {
					intent.Sign = sign
				} else if a.log != nil {
					a.log.Warn("sign refresh failed, reusing stale token",
						logging.String("slot", intent.SlotID), logging.Error(err))
				}
			}
		}

		submitted.Inc(1)
		res, err := a.submitOnce(ctx, intent)
		if err == nil {
			res.Attempts = attempt
			if a.log != nil {
				a.log.Info("order accepted",
					logging.String("order_id", res.OrderID),
					logging.String("date", intent.Date),
					logging.Int("attempt", attempt))
			}
			return res, nil
		}
		lastErr = err
		if !retriable(err) {
			failed.Inc(1)
			return nil, err
		}
		if a.log != nil {
			a.log.Warn("order attempt failed",
				logging.Int("attempt", attempt), logging.Error(err))
		}
	}

	failed.Inc(1)
	return nil, apperrors.NewBusiness("bookingapi.SubmitOrder", "",
		fmt.Sprintf("下单失败，已重试%d次: %v", a.maxRetries, lastErr))
}

// retriable: transport faults, 5xx, and rate limits are worth another shot;
// auth loss and explicit business rejections are not.
func retriable(err error) bool {
	if apperrors.Is(err, apperrors.ErrTransient) || apperrors.IsRateLimited(err) {
		return true
	}
	var up *apperrors.UpstreamError
	if errors.As(err, &up) {
		return up.Status >= 500
	}
	return false
}

func (a *API) submitOnce(ctx context.Context, intent models.OrderIntent) (*OrderResult, error) {
	payload := orderPayload(intent)
	env, err := a.codec.Seal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Request(ctx, httpclient.RequestSpec{
		Method:  http.MethodPost,
		Path:    a.eps.Order,
		RawBody: []byte(env.Body),
		Headers: map[string]string{
			"sid": env.Sid,
			"tim": env.Tim,
		},
	})
	if err != nil {
		return nil, err
	}

	m, jsonErr := resp.JSONMap()
	if jsonErr != nil {
		return nil, apperrors.NewUpstream("bookingapi.submitOnce", resp.Status, string(resp.Body))
	}

	code := asString(pick(m, "code", "errcode", "errCode"))
	msg := asString(pick(m, "msg", "message", "errMsg", "error"))

	if hit := a.classifier.match(msg, a.classifier.RateLimitKeywords); hit != "" {
		return nil, apperrors.NewRateLimited("bookingapi.submitOnce", code, msg)
	}
	if code != "" && code != "0" {
		return nil, apperrors.NewBusiness("bookingapi.submitOnce", code, msg)
	}
	if hit := a.classifier.match(msg, a.classifier.FailureKeywords); hit != "" {
		return nil, apperrors.NewBusiness("bookingapi.submitOnce", code, msg)
	}

	orderID := asString(pick(m, "orderId", "order_id", "id"))
	if orderID == "" {
		if d, ok := m["data"].(map[string]any); ok {
			orderID = asString(pick(d, "orderId", "order_id", "id", "orderNo"))
		} else if s := asString(m["data"]); s != "" {
			orderID = s
		}
	}
	// a clean code with no order id is not a booking
	if orderID == "" {
		return nil, apperrors.NewBusiness("bookingapi.submitOnce", code, "下单响应缺少订单号: "+string(resp.Body))
	}

	return &OrderResult{OrderID: orderID, Message: msg}, nil
}

// orderPayload builds the plaintext order body sealed into the envelope.
func orderPayload(intent models.OrderIntent) map[string]any {
	space := map[string]any{
		"count":     1,
		"startTime": intent.Start,
		"endTime":   intent.End,
		"price":     intent.Price,
		"sign":      intent.Sign,
	}
	if intent.SubSiteID != "" {
		space["subSiteId"] = intent.SubSiteID
	}
	if intent.FieldName != "" {
		space["fieldName"] = intent.FieldName
	}
	if intent.SlotID != "" {
		space["id"] = intent.SlotID
	}
	return map[string]any{
		"venueId":     intent.VenueID,
		"fieldTypeId": intent.FieldTypeID,
		"orderDate":   intent.Date,
		"spaces":      []any{space},
	}
}

// match returns the first keyword found in msg, empty when none match.
func (c Classifier) match(msg string, keywords []string) string {
	if msg == "" {
		return ""
	}
	for _, kw := range keywords {
		if kw != "" && strings.Contains(msg, kw) {
			return kw
		}
	}
	return ""
}
