package captcha

import (
	"fmt"
	"net/url"
)

// ChallengeKey identifies one solvable challenge: the consumer asking, the
// site key of the challenge, and the origin of the protected page. Two
// requests with the same key may share one solve and one cached token.
type ChallengeKey struct {
	// Consumer identifies the pipeline consumer (e.g. a spider name).
	Consumer string

	// SiteKey is the challenge site key embedded in the protected page.
	SiteKey string

	// Origin is the scheme+host of the protected page. Path and query are
	// deliberately excluded: one origin serves one challenge.
	Origin string
}

// NewChallengeKey builds a ChallengeKey from a consumer, site key, and the
// full URL of the protected page.
func NewChallengeKey(consumer, siteKey, rawURL string) (ChallengeKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ChallengeKey{}, fmt.Errorf("invalid page URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return ChallengeKey{}, fmt.Errorf("page URL %q has no scheme or host", rawURL)
	}
	return ChallengeKey{
		Consumer: consumer,
		SiteKey:  siteKey,
		Origin:   u.Scheme + "://" + u.Host,
	}, nil
}

// String returns the canonical "consumer:siteKey:origin" form used as the
// cache and in-flight registry key.
func (k ChallengeKey) String() string {
	return k.Consumer + ":" + k.SiteKey + ":" + k.Origin
}
