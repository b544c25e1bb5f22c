// Package webhook delivers verdicts to caller-supplied callback URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/itstheanurag/judgeji/internal/metrics"
	"github.com/itstheanurag/judgeji/internal/status"
)

type Payload struct {
	Token  string        `json:"token"`
	Stdout string        `json:"stdout"`
	Stderr string        `json:"stderr"`
	Time   float64       `json:"time"`
	Memory int64         `json:"memory"`
	Status PayloadStatus `json:"status"`
}

type PayloadStatus struct {
	ID status.ID `json:"id"`
}

// Notifier makes a single delivery attempt per call. It never retries.
type Notifier struct {
	client   *http.Client
	validate func(string) error
	logger   *zerolog.Logger
}

// NewNotifier returns a notifier whose client refuses redirects and refuses
// to connect to disallowed addresses, whatever the hostname resolved to.
func NewNotifier(logger *zerolog.Logger, timeout time.Duration) *Notifier {
	return newNotifier(guardedClient(timeout), validate, logger)
}

func guardedClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: timeout,
		Control: guardDial,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newNotifier(client *http.Client, validate func(string) error, logger *zerolog.Logger) *Notifier {
	return &Notifier{client: client, validate: validate, logger: logger}
}

func validate(raw string) error {
	_, err := ValidateURL(raw)
	return err
}

// Notify PUTs payload to rawURL. A rejected URL is logged and reported
// as ErrDisallowedURL without any network traffic.
func (n *Notifier) Notify(ctx context.Context, rawURL string, payload Payload) error {
	log := n.logger.With().Str("token", payload.Token).Logger()

	if err := n.validate(rawURL); err != nil {
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Msg("webhook destination rejected")
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("webhook delivery failed")
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		log.Warn().Int("status", resp.StatusCode).Msg("webhook endpoint returned an error")
		return fmt.Errorf("deliver webhook: unexpected status %d", resp.StatusCode)
	}

	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	log.Debug().Int("status", resp.StatusCode).Msg("webhook delivered")
	return nil
}

// guardDial runs after DNS resolution, just before connect.
func guardDial(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: unparseable address %s", ErrDisallowedURL, host)
	}
	if !AllowedAddr(addr) {
		return fmt.Errorf("%w: %s resolves to %s", ErrDisallowedURL, network, addr)
	}
	return nil
}
