package config

// SiteConfig holds per-site configuration for a single host. It describes
// the protection on the site and how requests to it should be shaped.
type SiteConfig struct {
	// SiteKey is the challenge site key embedded in the site's protected
	// pages. Empty means the site carries no challenge.
	SiteKey string `yaml:"siteKey,omitempty"`

	// Invisible marks the invisible challenge variant.
	Invisible bool `yaml:"invisible,omitempty"`

	// Headers are custom HTTP headers to include in requests to this
	// site.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Sticky pins all requests to this site to one proxy endpoint.
	Sticky bool `yaml:"sticky,omitempty"`

	// Priority above zero shortens retry delays for this site's
	// requests.
	Priority int `yaml:"priority,omitempty"`
}

// File represents the structure of the .fetchguard configuration file.
type File struct {
	// Sites maps hostnames to their site-specific configurations.
	Sites map[string]SiteConfig `yaml:"sites,omitempty"`

	// Defaults contains default site configuration applied to all sites
	// unless overridden in the site-specific configuration.
	Defaults SiteConfig `yaml:"defaults,omitempty"`
}

// GetSiteConfig returns the configuration for a host, merging the
// site-specific entry over the defaults.
func (cf *File) GetSiteConfig(host string) SiteConfig {
	result := cf.Defaults

	if siteConfig, ok := cf.Sites[host]; ok {
		if siteConfig.SiteKey != "" {
			result.SiteKey = siteConfig.SiteKey
		}
		if siteConfig.Invisible {
			result.Invisible = true
		}
		if len(siteConfig.Headers) > 0 {
			if result.Headers == nil {
				result.Headers = make(map[string]string)
			}
			for k, v := range siteConfig.Headers {
				result.Headers[k] = v
			}
		}
		if siteConfig.Sticky {
			result.Sticky = true
		}
		if siteConfig.Priority != 0 {
			result.Priority = siteConfig.Priority
		}
	}

	return result
}
