package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/layer-3/warden/core"
	"github.com/spf13/viper"
)

// RelyingPartyEntry maps one browser origin to a relying party.
type RelyingPartyEntry struct {
	Origin string `mapstructure:"origin"`
	RPID   string `mapstructure:"rp_id"`
	Name   string `mapstructure:"name"`
}

type relyingPartiesFile struct {
	RelyingParties []RelyingPartyEntry `mapstructure:"relying_parties"`
}

// RelyingParties resolves request origins to relying parties.
type RelyingParties struct {
	byOrigin map[string]RelyingPartyEntry
	rpIDs    map[string]struct{}
	strict   bool
}

// LoadRelyingParties reads the allow-list file. An empty path yields an empty list.
func LoadRelyingParties(path string, strict bool) (*RelyingParties, error) {
	if path == "" {
		return NewRelyingParties(nil, strict)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read relying parties %s: %w", path, err)
	}

	var file relyingPartiesFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode relying parties %s: %w", path, err)
	}

	return NewRelyingParties(file.RelyingParties, strict)
}

// NewRelyingParties builds a resolver from explicit entries.
func NewRelyingParties(entries []RelyingPartyEntry, strict bool) (*RelyingParties, error) {
	rps := &RelyingParties{
		byOrigin: make(map[string]RelyingPartyEntry, len(entries)),
		rpIDs:    make(map[string]struct{}, len(entries)),
		strict:   strict,
	}
	for _, entry := range entries {
		origin, host, err := normalizeOrigin(entry.Origin)
		if err != nil {
			return nil, fmt.Errorf("relying party %q: %w", entry.Origin, err)
		}
		if entry.RPID == "" {
			entry.RPID = host
		}
		if !strings.HasSuffix(host, entry.RPID) {
			return nil, fmt.Errorf("relying party %q: rp id %q is not a suffix of the origin host", entry.Origin, entry.RPID)
		}
		if entry.Name == "" {
			entry.Name = entry.RPID
		}
		entry.Origin = origin
		rps.byOrigin[origin] = entry
		rps.rpIDs[entry.RPID] = struct{}{}
	}
	return rps, nil
}

// Listed reports whether rpID belongs to an allow-listed origin.
func (r *RelyingParties) Listed(rpID string) bool {
	_, ok := r.rpIDs[rpID]
	return ok
}

// Resolve maps an origin to its relying party. Unlisted well-formed origins
// use the host name as RP id and name unless the resolver is strict.
func (r *RelyingParties) Resolve(origin string) (core.RelyingParty, error) {
	normalized, host, err := normalizeOrigin(origin)
	if err != nil {
		return core.RelyingParty{}, err
	}

	if entry, ok := r.byOrigin[normalized]; ok {
		return core.RelyingParty{ID: entry.RPID, Name: entry.Name, Origin: normalized, Listed: true}, nil
	}
	if r.strict {
		return core.RelyingParty{}, fmt.Errorf("%w: %s is not an allowed origin", core.ErrOriginMismatch, normalized)
	}

	return core.RelyingParty{ID: host, Name: host, Origin: normalized}, nil
}

// normalizeOrigin returns scheme://host[:port] in lower case and the bare host name.
func normalizeOrigin(origin string) (string, string, error) {
	if origin == "" {
		return "", "", fmt.Errorf("%w: origin is required", core.ErrValidation)
	}

	u, err := url.Parse(origin)
	if err != nil {
		return "", "", fmt.Errorf("%w: malformed origin: %v", core.ErrValidation, err)
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case host == "":
		return "", "", fmt.Errorf("%w: origin has no host", core.ErrValidation)
	case u.User != nil || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "":
		return "", "", fmt.Errorf("%w: origin must be scheme://host[:port]", core.ErrValidation)
	case u.Scheme == "https":
	case u.Scheme == "http" && isLoopback(host):
	default:
		return "", "", fmt.Errorf("%w: origin must use https", core.ErrValidation)
	}

	normalized := u.Scheme + "://" + host
	if strings.Contains(host, ":") {
		normalized = u.Scheme + "://[" + host + "]"
	}
	if port := u.Port(); port != "" {
		normalized += ":" + port
	}
	return normalized, host, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
