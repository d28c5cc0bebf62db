// Package classify validates and categorizes inbound media links before
// anything else touches them. Classification is pure: it performs DNS
// and redirect lookups but writes nothing and creates no jobs.
package classify

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

// Result is a successfully classified link.
type Result struct {
	Platform     domain.Platform
	CanonicalURL string
}

// LookupFunc resolves a hostname to addresses. Injected so tests can
// classify without real DNS.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// Doer issues the HEAD requests used to unwrap short links.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Classifier validates URLs against the platform whitelist and the
// SSRF policy, strips tracking parameters, and resolves known short
// links up to a bounded hop count.
type Classifier struct {
	hosts        []string
	maxHops      int
	maxURLLength int
	lookup       LookupFunc
	client       Doer
	logger       observability.Logger
}

// Options tunes a Classifier. Zero values fall back to safe defaults.
type Options struct {
	Hosts        []string
	MaxHops      int
	MaxURLLength int
	Lookup       LookupFunc
	Client       Doer
}

// New creates a Classifier.
func New(opts Options, logger observability.Logger) *Classifier {
	c := &Classifier{
		hosts:        opts.Hosts,
		maxHops:      opts.MaxHops,
		maxURLLength: opts.MaxURLLength,
		lookup:       opts.Lookup,
		client:       opts.Client,
		logger:       logger,
	}
	if c.maxHops <= 0 {
		c.maxHops = 5
	}
	if c.maxURLLength <= 0 {
		c.maxURLLength = 2048
	}
	if c.lookup == nil {
		var r net.Resolver
		c.lookup = func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := r.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		}
	}
	if c.client == nil {
		c.client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Hops are walked manually so the bound is enforced
				// per-link, not per-request.
				return http.ErrUseLastResponse
			},
		}
	}
	return c
}

// suspiciousPattern screens out injection attempts before parsing.
var suspiciousPattern = regexp.MustCompile(`(?i)javascript:|data:|\x00|%00|\.\./|<script|\s`)

// shortLinkHosts are redirector domains that hide the real platform
// URL behind an opaque token.
var shortLinkHosts = map[string]bool{
	"vm.tiktok.com": true,
	"vt.tiktok.com": true,
	"pin.it":        true,
	"t.co":          true,
}

// trackingParams are stripped from canonical URLs.
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true,
	"fbclid": true, "gclid": true, "igsh": true, "igshid": true,
	"si": true, "feature": true, "_t": true, "_r": true,
}

// Classify validates rawURL and returns its platform and canonical
// form, or a *domain.Rejection describing why it was refused.
func (c *Classifier) Classify(ctx context.Context, rawURL string) (*Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, domain.NewRejection(domain.RejectMalformedURL, "empty url")
	}
	if len(rawURL) > c.maxURLLength {
		return nil, domain.NewRejection(domain.RejectMalformedURL, "url exceeds %d bytes", c.maxURLLength)
	}
	if suspiciousPattern.MatchString(rawURL) {
		c.logger.Warn(ctx, "suspicious pattern in url", observability.Fields{"url_prefix": prefix(rawURL, 64)})
		return nil, domain.NewRejection(domain.RejectMalformedURL, "suspicious pattern in url")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, domain.NewRejection(domain.RejectMalformedURL, "unparseable url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, domain.NewRejection(domain.RejectUnsupportedDomain, "scheme %q not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, domain.NewRejection(domain.RejectMalformedURL, "missing host")
	}

	u, err = c.unwrapShortLinks(ctx, u)
	if err != nil {
		return nil, err
	}

	host := strings.ToLower(u.Hostname())
	if !c.hostAllowed(host) {
		return nil, domain.NewRejection(domain.RejectUnsupportedDomain, "host %q is not a supported platform", host)
	}
	if err := c.checkSSRF(ctx, host); err != nil {
		return nil, err
	}

	stripTracking(u)
	return &Result{
		Platform:     platformFor(host),
		CanonicalURL: u.String(),
	}, nil
}

// unwrapShortLinks follows redirects for known redirector hosts only,
// up to maxHops, re-validating the scheme at every hop.
func (c *Classifier) unwrapShortLinks(ctx context.Context, u *url.URL) (*url.URL, error) {
	for hop := 0; shortLinkHosts[strings.ToLower(u.Hostname())]; hop++ {
		if hop >= c.maxHops {
			return nil, domain.NewRejection(domain.RejectMalformedURL, "redirect chain exceeds %d hops", c.maxHops)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
		if err != nil {
			return nil, domain.NewRejection(domain.RejectMalformedURL, "unresolvable short link")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, domain.NewRejection(domain.RejectMalformedURL, "short link resolution failed")
		}
		resp.Body.Close()
		loc := resp.Header.Get("Location")
		if loc == "" || resp.StatusCode < 300 || resp.StatusCode >= 400 {
			// The redirector answered with a final page; keep it.
			return u, nil
		}
		next, err := u.Parse(loc)
		if err != nil {
			return nil, domain.NewRejection(domain.RejectMalformedURL, "short link points at an unparseable url")
		}
		if next.Scheme != "http" && next.Scheme != "https" {
			return nil, domain.NewRejection(domain.RejectUnsupportedDomain, "short link redirects to scheme %q", next.Scheme)
		}
		u = next
	}
	return u, nil
}

// hostAllowed matches host against the whitelist, exactly or by
// suffix, so "m.youtube.com" is admitted by "youtube.com".
func (c *Classifier) hostAllowed(host string) bool {
	for _, allowed := range c.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// checkSSRF rejects hosts resolving to private, loopback, link-local
// or otherwise non-routable addresses.
func (c *Classifier) checkSSRF(ctx context.Context, host string) error {
	ips, err := c.lookup(ctx, host)
	if err != nil {
		return domain.NewRejection(domain.RejectMalformedURL, "host %q does not resolve", host)
	}
	for _, ip := range ips {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			c.logger.Warn(ctx, "url resolves to non-routable address", observability.Fields{
				"host": host,
				"ip":   ip.String(),
			})
			return domain.NewRejection(domain.RejectUnsupportedDomain, "host %q resolves to a blocked address range", host)
		}
	}
	return nil
}

func stripTracking(u *url.URL) {
	q := u.Query()
	for param := range q {
		if trackingParams[strings.ToLower(param)] {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
}

func platformFor(host string) domain.Platform {
	switch {
	case hasDomain(host, "youtube.com"), hasDomain(host, "youtu.be"):
		return domain.PlatformYouTube
	case hasDomain(host, "tiktok.com"):
		return domain.PlatformTikTok
	case hasDomain(host, "instagram.com"), hasDomain(host, "instagr.am"):
		return domain.PlatformInstagram
	case hasDomain(host, "pinterest.com"), hasDomain(host, "pin.it"):
		return domain.PlatformPinterest
	case hasDomain(host, "vk.com"), hasDomain(host, "vk.ru"), hasDomain(host, "vkvideo.ru"):
		return domain.PlatformVK
	default:
		return domain.PlatformOther
	}
}

func hasDomain(host, root string) bool {
	return host == root || strings.HasSuffix(host, "."+root)
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
