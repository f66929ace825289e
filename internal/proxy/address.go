package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/1ureka/supeer/internal/util"
)

// ErrNoExternalAddress is returned when no external IPv4 address could be
// determined.
var ErrNoExternalAddress = errors.New("no external IPv4 address")

// DefaultIPv4APIs answer a plain-text GET with the caller's IPv4 address.
var DefaultIPv4APIs = []string{
	"https://api.ipify.org",
	"https://ipv4.icanhazip.com",
}

var ipv4Pattern = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// IsIPv4 reports whether s is a dotted-quad address.
func IsIPv4(s string) bool { return ipv4Pattern.MatchString(s) }

// AddressOptions controls external address discovery.
type AddressOptions struct {
	// IPv4, when set, is used as is.
	IPv4 string
	// APIs are queried in order until one answers with an address.
	APIs []string
	// Client defaults to an http.Client with a 5s timeout.
	Client *http.Client
}

// ResolveIPv4 returns this device's externally reachable IPv4 address.
func ResolveIPv4(ctx context.Context, opts AddressOptions) (string, error) {
	if opts.IPv4 != "" {
		if !IsIPv4(opts.IPv4) {
			return "", fmt.Errorf("%w: configured ipv4 %q is malformed", ErrNoExternalAddress, opts.IPv4)
		}
		return opts.IPv4, nil
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	var errs error
	for _, api := range opts.APIs {
		addr, err := queryIPv4(ctx, client, api)
		if err == nil {
			util.LogDebug("[proxy] external address %s from %s", addr, api)
			return addr, nil
		}
		errs = errors.Join(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if errs != nil {
		return "", fmt.Errorf("%w: %w", ErrNoExternalAddress, errs)
	}
	return "", ErrNoExternalAddress
}

func queryIPv4(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", fmt.Errorf("%s: %w", url, err)
	}
	addr := strings.TrimSpace(string(body))
	if !IsIPv4(addr) {
		return "", fmt.Errorf("%s: unexpected answer %q", url, addr)
	}
	return addr, nil
}
