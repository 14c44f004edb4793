package locate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"matchlock/internal/geo"
)

// Reported is a fix the client's device already measured.
type Reported struct {
	Position *geo.Position
}

func (Reported) Name() string { return "reported" }

func (r Reported) Locate(context.Context) (geo.Position, error) {
	if r.Position == nil {
		return geo.Position{}, ErrNoFix
	}
	if !r.Position.Valid() {
		return geo.Position{}, fmt.Errorf("reported position %s out of range", r.Position)
	}
	return *r.Position, nil
}

type clientIPKey struct{}

// WithClientIP stores the caller's address for IP-based locators.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// HTTPLocator asks an IP geolocation service over HTTP/JSON. URL may contain
// an {ip} placeholder. Field names accept dotted paths into nested objects.
type HTTPLocator struct {
	Label            string
	URL              string
	LatField         string
	LngField         string
	AccuracyField    string
	DefaultAccuracyM float64
	Client           *http.Client
}

func NewHTTPLocator(label, urlTemplate string) *HTTPLocator {
	return &HTTPLocator{
		Label:            label,
		URL:              urlTemplate,
		LatField:         "lat",
		LngField:         "lng",
		AccuracyField:    "accuracy",
		DefaultAccuracyM: 5000,
		Client:           &http.Client{Timeout: 5 * time.Second},
	}
}

func (l *HTTPLocator) Name() string {
	if l.Label != "" {
		return l.Label
	}
	return "http"
}

func (l *HTTPLocator) Locate(ctx context.Context) (geo.Position, error) {
	target := l.URL
	if strings.Contains(target, "{ip}") {
		ip := ClientIP(ctx)
		if ip == "" {
			return geo.Position{}, errors.New("no client ip for locator")
		}
		target = strings.ReplaceAll(target, "{ip}", url.PathEscape(ip))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return geo.Position{}, err
	}
	req.Header.Set("Accept", "application/json")
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return geo.Position{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return geo.Position{}, fmt.Errorf("%s returned %d", l.Name(), resp.StatusCode)
	}

	var doc map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return geo.Position{}, fmt.Errorf("%s: decode: %w", l.Name(), err)
	}
	lat, ok := lookupFloat(doc, l.LatField)
	if !ok {
		return geo.Position{}, fmt.Errorf("%s: missing %q", l.Name(), l.LatField)
	}
	lng, ok := lookupFloat(doc, l.LngField)
	if !ok {
		return geo.Position{}, fmt.Errorf("%s: missing %q", l.Name(), l.LngField)
	}
	pos := geo.Position{Lat: lat, Lng: lng, AccuracyM: l.DefaultAccuracyM}
	if acc, ok := lookupFloat(doc, l.AccuracyField); ok && acc > 0 {
		pos.AccuracyM = acc
	}
	if !pos.Valid() {
		return geo.Position{}, fmt.Errorf("%s: position %s out of range", l.Name(), pos)
	}
	return pos, nil
}

func lookupFloat(doc map[string]any, path string) (float64, bool) {
	if path == "" {
		return 0, false
	}
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		if cur, ok = m[part]; !ok {
			return 0, false
		}
	}
	switch v := cur.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
