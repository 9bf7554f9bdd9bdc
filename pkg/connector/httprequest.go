package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

// HTTPRequest issues a generic HTTP request from a URL template with
// {param} placeholders. Every target must clear a domain allowlist; an
// empty allowlist denies everything.
type HTTPRequest struct {
	cfg            Config
	client         *http.Client
	secrets        map[string]string
	allowedDomains []string
}

// NewHTTPRequest builds an http_request connector. globalAllowed is
// the deployment-wide allowlist; the tool's extra.allowed_domains
// overrides it when present.
func NewHTTPRequest(cfg Config, client *http.Client, secrets map[string]string, globalAllowed []string) *HTTPRequest {
	allowed := globalAllowed
	if raw, ok := cfg.Extra["allowed_domains"].([]any); ok && len(raw) > 0 {
		allowed = make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				allowed = append(allowed, s)
			}
		}
	} else if override, ok := cfg.Extra["allowed_domains"].([]string); ok && len(override) > 0 {
		allowed = override
	}
	return &HTTPRequest{cfg: cfg, client: client, secrets: secrets, allowedDomains: allowed}
}

func (h *HTTPRequest) Execute(ctx context.Context, params map[string]any) *contracts.ConnectorResult {
	start := time.Now()

	target := expandTemplate(h.cfg.URL, params)
	if reason, ok := h.checkDomain(target); !ok {
		return failure("DOMAIN_NOT_ALLOWED", reason, 0, time.Since(start).Milliseconds())
	}

	timeout := time.Duration(h.cfg.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(h.cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	// Parameters consumed by the URL template stay out of the body.
	resolved := resolveParams(h.cfg, h.secrets, params)
	body := make(map[string]any, len(resolved))
	for k, v := range resolved {
		if !strings.Contains(h.cfg.URL, "{"+k+"}") {
			body[k] = v
		}
	}

	var req *http.Request
	var err error
	if method == http.MethodGet || method == http.MethodDelete {
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
		if err == nil && len(body) > 0 {
			q := req.URL.Query()
			for k, v := range body {
				q.Set(k, fmt.Sprintf("%v", v))
			}
			req.URL.RawQuery = q.Encode()
		}
	} else {
		var payload []byte
		if len(body) > 0 {
			if payload, err = json.Marshal(body); err != nil {
				return failure("REQUEST_ERROR", fmt.Sprintf("encode request body: %v", err), 0, time.Since(start).Milliseconds())
			}
		}
		req, err = http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return failure("REQUEST_ERROR", err.Error(), 0, time.Since(start).Milliseconds())
	}
	for k, v := range buildHeaders(h.cfg, h.secrets) {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return transportFailure(err, timeout, time.Since(start).Milliseconds())
	}
	defer func() { _ = resp.Body.Close() }()

	return readResult(resp, "Request", time.Since(start).Milliseconds())
}

// checkDomain validates the target host against the allowlist. Exact
// matches and subdomains pass; everything else, including an empty
// allowlist, fails closed.
func (h *HTTPRequest) checkDomain(target string) (string, bool) {
	if len(h.allowedDomains) == 0 {
		return "No allowed domains configured", false
	}
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return fmt.Sprintf("Invalid URL: %q", target), false
	}
	domain := strings.ToLower(parsed.Hostname())
	for _, allowed := range h.allowedDomains {
		allowed = strings.ToLower(allowed)
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return "", true
		}
	}
	return fmt.Sprintf("Domain '%s' not in allowlist", domain), false
}

// expandTemplate substitutes {param} placeholders in the URL template.
func expandTemplate(template string, params map[string]any) string {
	out := template
	for key, value := range params {
		out = strings.ReplaceAll(out, "{"+key+"}", fmt.Sprintf("%v", value))
	}
	return out
}
