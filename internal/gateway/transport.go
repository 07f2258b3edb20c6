package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/identity"
)

const maxResponseBytes = 1 << 20

// Config configures a single collaborator client.
type Config struct {
	BaseURL string        `usage:"Collaborator base URL"`
	Timeout time.Duration `default:"2s" usage:"Per-attempt request timeout"`
	Retries uint64        `default:"2" usage:"Retries after the first attempt for transient failures"`
	Backoff time.Duration `default:"100ms" usage:"Initial retry backoff"`
	// MaxBackoff caps the exponential backoff interval.
	MaxBackoff time.Duration `default:"1s" usage:"Maximum retry backoff"`
}

// NewHTTPClient returns an HTTP client that propagates trace context to
// collaborators.
func NewHTTPClient(opts ...otelhttp.Option) *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport, opts...)}
}

// request describes one logical remote call.
type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   func(e *jx.Encoder)
	// decode reads a 2xx response body. Nil ignores the body.
	decode func(d *jx.Decoder) error
	// once disables retries for calls that are not safe to repeat.
	once bool
}

type transport struct {
	service string
	base    *url.URL
	client  *http.Client
	cfg     Config
}

func newTransport(service string, cfg Config, client *http.Client) (*transport, error) {
	if cfg.BaseURL == "" {
		return nil, errors.Errorf("%s: base URL is required", service)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: parse base URL", service)
	}
	if client == nil {
		client = NewHTTPClient()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	return &transport{service: service, base: base, client: client, cfg: cfg}, nil
}

func (t *transport) backoff(ctx context.Context, once bool) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.cfg.Backoff
	exp.MaxInterval = t.cfg.MaxBackoff
	exp.MaxElapsedTime = 0

	retries := t.cfg.Retries
	if once {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, retries), ctx)
}

// do performs req on behalf of caller, retrying transient failures.
func (t *transport) do(ctx context.Context, caller identity.Caller, req request) error {
	var payload []byte
	if req.body != nil {
		e := jx.GetEncoder()
		req.body(e)
		payload = bytes.Clone(e.Bytes())
		jx.PutEncoder(e)
	}

	lg := zctx.From(ctx).With(zap.String("service", t.service), zap.String("op", req.op))
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := t.attempt(ctx, caller, req, payload)
		switch Classify(err) {
		case OutcomeSuccess:
			return nil
		case OutcomeTransient:
			lg.Debug("Remote call failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		default:
			return backoff.Permanent(err)
		}
	}, t.backoff(ctx, req.once))
	if err != nil && !errors.As(err, new(*Error)) {
		return &Error{Service: t.service, Op: req.op, Outcome: Classify(err), Err: err}
	}
	return err
}

func (t *transport) attempt(ctx context.Context, caller identity.Caller, req request, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	u := t.base.JoinPath(req.path)
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return &Error{Service: t.service, Op: req.op, Outcome: OutcomePermanent, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if caller.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+caller.Token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return &Error{Service: t.service, Op: req.op, Outcome: OutcomeTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Service: t.service, Op: req.op, Outcome: OutcomeTransient, Err: errors.Wrap(err, "read body")}
	}

	if outcome := outcomeForStatus(resp.StatusCode); outcome != OutcomeSuccess {
		return &Error{
			Service: t.service,
			Op:      req.op,
			Status:  resp.StatusCode,
			Outcome: outcome,
			Err:     errors.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
		}
	}
	if req.decode == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := req.decode(jx.DecodeBytes(data)); err != nil {
		return &Error{Service: t.service, Op: req.op, Status: resp.StatusCode, Outcome: OutcomePermanent, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}
