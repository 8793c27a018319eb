package raven

import (
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	defaultDSNPort   = 80
	defaultDSNScheme = "https"
	defaultDSNPath   = "/"
)

// DSN represents a parsed Sentry DSN. A DSN is immutable once parsed.
type DSN struct {
	Scheme          string
	SchemeModifiers []string
	PublicKey       string
	SecretKey       string
	Host            string
	Port            int
	PathPrefix      string
	ProjectID       string
	OrgID           *int // Organization ID (optional, for SaaS)

	// options holds the decoded query parameters. A parameter given without
	// "=value" maps to nil.
	options map[string]*string
}

// Regex to match the organization ID in the host (for Sentry SaaS)
var sentryOrgIDRegex = regexp.MustCompile(`^o(\d+)\.`)

// ParseDSN parses a connection string of the form
//
//	scheme[+modifier]://publicKey:secretKey@host[:port]/[pathPrefix/]projectId[?opt=val&...]
//
// Every returned error matches ErrMalformedDSN.
func ParseDSN(dsnStr string) (*DSN, error) {
	if dsnStr == "" {
		return nil, &DSNError{DSN: dsnStr, Reason: "DSN is empty"}
	}

	parsedURL, err := url.Parse(dsnStr)
	if err != nil {
		return nil, &DSNError{DSN: dsnStr, Reason: "not a valid URI", Err: err}
	}

	if parsedURL.Path == "" {
		return nil, &DSNError{DSN: dsnStr, Reason: "missing path and project ID"}
	}
	projectIDStart := strings.LastIndex(parsedURL.Path, "/") + 1
	pathPrefix := parsedURL.Path[:projectIDStart]
	projectID := parsedURL.Path[projectIDStart:]
	if projectID == "" {
		return nil, &DSNError{DSN: dsnStr, Reason: "path must end with a project ID"}
	}
	if pathPrefix == "" {
		pathPrefix = defaultDSNPath
	}

	if parsedURL.User == nil || parsedURL.User.Username() == "" {
		return nil, &DSNError{DSN: dsnStr, Reason: "missing public key and secret key"}
	}
	secretKey, ok := parsedURL.User.Password()
	if !ok || secretKey == "" {
		return nil, &DSNError{DSN: dsnStr, Reason: "missing secret key"}
	}

	host := parsedURL.Hostname()
	if host == "" {
		return nil, &DSNError{DSN: dsnStr, Reason: "missing host"}
	}

	port := defaultDSNPort
	if p := parsedURL.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, &DSNError{DSN: dsnStr, Reason: "invalid port", Err: err}
		}
	}

	scheme := defaultDSNScheme
	var modifiers []string
	if parsedURL.Scheme != "" {
		tokens := strings.Split(parsedURL.Scheme, "+")
		scheme = tokens[len(tokens)-1]
		if len(tokens) > 1 {
			modifiers = tokens[:len(tokens)-1]
		}
		if scheme == "" {
			return nil, &DSNError{DSN: dsnStr, Reason: "empty transport scheme"}
		}
	}

	options, err := parseDSNOptions(parsedURL.RawQuery)
	if err != nil {
		return nil, &DSNError{DSN: dsnStr, Reason: "cannot decode query parameters", Err: err}
	}

	// Extract organization ID if present (for Sentry SaaS)
	var orgID *int
	if matches := sentryOrgIDRegex.FindStringSubmatch(host); len(matches) > 1 {
		if id, err := strconv.Atoi(matches[1]); err == nil {
			orgID = &id
		}
	}

	return &DSN{
		Scheme:          scheme,
		SchemeModifiers: modifiers,
		PublicKey:       parsedURL.User.Username(),
		SecretKey:       secretKey,
		Host:            host,
		Port:            port,
		PathPrefix:      pathPrefix,
		ProjectID:       projectID,
		OrgID:           orgID,
		options:         options,
	}, nil
}

func parseDSNOptions(rawQuery string) (map[string]*string, error) {
	options := make(map[string]*string)
	if rawQuery == "" {
		return options, nil
	}

	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, hasValue := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, err
		}
		if !hasValue {
			options[key] = nil
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, err
		}
		options[key] = &value
	}

	return options, nil
}

// Option returns the decoded value of a DSN query parameter. present reports
// whether the parameter appeared at all, ok whether it carried a value.
func (d *DSN) Option(name string) (value string, present bool, ok bool) {
	v, present := d.options[name]
	if !present || v == nil {
		return "", present, false
	}
	return *v, true, true
}

// Options returns a copy of the DSN query parameters
func (d *DSN) Options() map[string]*string {
	out := make(map[string]*string, len(d.options))
	for k, v := range d.options {
		if v != nil {
			value := *v
			out[k] = &value
			continue
		}
		out[k] = nil
	}
	return out
}

// VerifySSL reports whether TLS certificates must be verified. Only an
// explicit verify_ssl=0 disables verification.
func (d *DSN) VerifySSL() bool {
	value, _, ok := d.Option("verify_ssl")
	if !ok {
		return true
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return true
	}
	return n != 0
}

// DeliveryURI returns scheme://host:port/pathPrefix
func (d *DSN) DeliveryURI() string {
	return d.Scheme + "://" + net.JoinHostPort(d.Host, strconv.Itoa(d.Port)) + d.PathPrefix
}

// StoreURL returns the endpoint events are posted to
func (d *DSN) StoreURL() string {
	return d.DeliveryURI() + "api/" + d.ProjectID + "/store/"
}

// String re-serializes the DSN in canonical form: parsing the result yields
// an equal DSN.
func (d *DSN) String() string {
	var b strings.Builder

	for _, modifier := range d.SchemeModifiers {
		b.WriteString(modifier)
		b.WriteByte('+')
	}
	b.WriteString(d.Scheme)
	b.WriteString("://")
	b.WriteString(url.UserPassword(d.PublicKey, d.SecretKey).String())
	b.WriteByte('@')
	b.WriteString(net.JoinHostPort(d.Host, strconv.Itoa(d.Port)))
	b.WriteString(d.PathPrefix)
	b.WriteString(d.ProjectID)

	if len(d.options) > 0 {
		keys := make([]string, 0, len(d.options))
		for k := range d.options {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for i, k := range keys {
			if i == 0 {
				b.WriteByte('?')
			} else {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v := d.options[k]; v != nil {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(*v))
			}
		}
	}

	return b.String()
}

// Redacted returns the delivery URI without credentials, suitable for logs
func (d *DSN) Redacted() string {
	return d.DeliveryURI() + d.ProjectID
}
