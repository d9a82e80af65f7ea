package lti

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is mandated by OAuth 1.0a launches.
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// SignatureMethodHMACSHA1 is the only signature method accepted.
const SignatureMethodHMACSHA1 = "HMAC-SHA1"

// Sign computes the OAuth 1.0a HMAC-SHA1 signature a tool consumer sends
// with a launch. Launches are verified through Verifier. Sign takes the
// method, URL and parameters of the request. Any oauth_signature entry in
// params is ignored. No token secret is used.
func Sign(method, rawURL string, params url.Values, consumerSecret string) (string, error) {
	base, err := baseString(method, rawURL, params)
	if err != nil {
		return "", err
	}

	key := escape(consumerSecret) + "&"

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// baseString builds the signature base string from RFC 5849 section 3.4.1.
func baseString(method, rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing launch url: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("launch url %q must be absolute", rawURL)
	}

	all := make(url.Values, len(params))

	for k, vs := range u.Query() {
		all[k] = append(all[k], vs...)
	}

	for k, vs := range params {
		if k == ParamSignature {
			continue
		}

		all[k] = append(all[k], vs...)
	}

	type pair struct{ key, value string }

	pairs := make([]pair, 0, len(all))

	for k, vs := range all {
		for _, v := range vs {
			pairs = append(pairs, pair{key: escape(k), value: escape(v)})
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}

		return pairs[i].value < pairs[j].value
	})

	encoded := make([]string, 0, len(pairs))
	for _, p := range pairs {
		encoded = append(encoded, p.key+"="+p.value)
	}

	return strings.ToUpper(method) + "&" +
		escape(normalizeURL(u)) + "&" +
		escape(strings.Join(encoded, "&")), nil
}

// normalizeURL lowercases scheme and host, drops default ports, the query
// and the fragment.
func normalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())

	if port := u.Port(); port != "" &&
		!(scheme == "http" && port == "80") &&
		!(scheme == "https" && port == "443") {
		host += ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return scheme + "://" + host + path
}

// escape percent-encodes s leaving only RFC 3986 unreserved characters.
func escape(s string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder

	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)

			continue
		}

		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}

	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}

	return false
}
