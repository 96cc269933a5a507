package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"outflow/models"

	"github.com/valyala/fasthttp"
	"gopkg.in/gomail.v2"
)

// SMTPAdapter dispatches email through the sender's own SMTP account.
type SMTPAdapter struct{}

func (a *SMTPAdapter) Send(ctx context.Context, sender *models.Sender, msg Message) (SendResult, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", sender.FromName, sender.FromEmail))
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-Id", fmt.Sprintf("<%s@%s>", msg.ProviderMessageID, senderDomain(sender.FromEmail)))
	m.SetBody("text/html", msg.Body)

	d := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, sender.SMTPPassword)

	if err := d.DialAndSend(m); err != nil {
		if isPermanentSMTPError(err) {
			return SendResult{}, &PermanentChannelError{Op: "smtp send", Err: err}
		}
		return SendResult{}, &TransientChannelError{Op: "smtp send", Err: err}
	}
	return SendResult{ProviderMessageID: msg.ProviderMessageID}, nil
}

func senderDomain(fromEmail string) string {
	if i := strings.LastIndex(fromEmail, "@"); i >= 0 {
		return fromEmail[i+1:]
	}
	return "outflow.local"
}

// isPermanentSMTPError classifies SMTP failures. 5xx replies mean the
// recipient or message was rejected for good; everything else (connect
// errors, timeouts, 4xx) is worth retrying.
func isPermanentSMTPError(err error) bool {
	if _, ok := err.(net.Error); ok {
		return false
	}
	s := err.Error()
	for _, code := range []string{"550", "551", "553", "554"} {
		if strings.Contains(s, code) {
			return true
		}
	}
	return false
}

// HTTPAdapter dispatches non-email channels (LinkedIn, SMS) through a
// provider HTTP API. The provider responds {"id": "..."} on success.
type HTTPAdapter struct {
	Endpoint string
	APIToken string
	Timeout  time.Duration

	client *fasthttp.Client
}

func NewHTTPAdapter(endpoint, token string) *HTTPAdapter {
	return &HTTPAdapter{
		Endpoint: endpoint,
		APIToken: token,
		Timeout:  15 * time.Second,
		client:   &fasthttp.Client{},
	}
}

func (a *HTTPAdapter) Send(ctx context.Context, sender *models.Sender, msg Message) (SendResult, error) {
	if a.Endpoint == "" {
		return SendResult{}, &PermanentChannelError{Op: "http send", Err: fmt.Errorf("channel endpoint not configured")}
	}

	payload, err := json.Marshal(map[string]string{
		"to":         msg.To,
		"body":       msg.Body,
		"from":       sender.FromName,
		"message_id": msg.ProviderMessageID,
	})
	if err != nil {
		return SendResult{}, &PermanentChannelError{Op: "http send", Err: err}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.Endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIToken)
	req.SetBody(payload)

	if err := a.client.DoTimeout(req, resp, a.Timeout); err != nil {
		return SendResult{}, &TransientChannelError{Op: "http send", Err: err}
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		var out struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(resp.Body(), &out); err == nil && out.ID != "" {
			return SendResult{ProviderMessageID: out.ID}, nil
		}
		return SendResult{ProviderMessageID: msg.ProviderMessageID}, nil
	case status == fasthttp.StatusTooManyRequests || status >= 500:
		return SendResult{}, &TransientChannelError{Op: "http send", Err: fmt.Errorf("provider returned %d", status)}
	default:
		return SendResult{}, &PermanentChannelError{Op: "http send", Err: fmt.Errorf("provider returned %d", status)}
	}
}
