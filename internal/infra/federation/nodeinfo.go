package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"bayou/internal/domain"
)

type nodeInfoLinks struct {
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

type nodeInfo struct {
	Software struct {
		Name string `json:"name"`
	} `json:"software"`
}

type VersiaSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// VersiaMetadata is the instance document served at /.well-known/versia.
type VersiaMetadata struct {
	Type        string           `json:"type"`
	Name        string           `json:"name"`
	Host        string           `json:"host,omitempty"`
	Description string           `json:"description,omitempty"`
	Software    VersiaSoftware   `json:"software"`
	PublicKey   *VersiaPublicKey `json:"public_key,omitempty"`
}

// DetectProtocol probes the Versia well-known document first, then
// nodeinfo. A domain answering neither is unreachable for federation.
func (c *Client) DetectProtocol(ctx context.Context, host string) (domain.Instance, error) {
	base := "https://" + host
	if body, err := c.Fetch(ctx, base+"/.well-known/versia", ContentTypeJSON, nil); err == nil {
		var meta VersiaMetadata
		if json.Unmarshal(body, &meta) == nil && meta.Type == "InstanceMetadata" {
			return domain.Instance{Domain: host, Protocol: domain.ProtocolVersia, Software: meta.Software.Name}, nil
		}
	}

	body, err := c.Fetch(ctx, base+"/.well-known/nodeinfo", ContentTypeJSON, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	var links nodeInfoLinks
	if err := json.Unmarshal(body, &links); err != nil {
		return domain.Instance{}, domain.NewFetchError(domain.FetchDeserializationErr, base+"/.well-known/nodeinfo", err)
	}
	if len(links.Links) == 0 {
		return domain.Instance{}, domain.NewFetchError(domain.FetchDeserializationErr, base+"/.well-known/nodeinfo", errors.New("no nodeinfo links"))
	}
	info := domain.Instance{Domain: host, Protocol: domain.ProtocolActivityPub}
	href := onHostLink(links, host)
	if href == "" {
		return info, nil
	}
	if doc, err := c.Fetch(ctx, href, ContentTypeJSON, nil); err == nil {
		var ni nodeInfo
		if json.Unmarshal(doc, &ni) == nil {
			info.Software = ni.Software.Name
		}
	}
	return info, nil
}

// onHostLink returns the last nodeinfo link served by host itself. Links to
// other hosts are never followed.
func onHostLink(links nodeInfoLinks, host string) string {
	for i := len(links.Links) - 1; i >= 0; i-- {
		parsed, err := url.Parse(links.Links[i].Href)
		if err != nil || parsed.Scheme != "https" {
			continue
		}
		if strings.EqualFold(parsed.Host, host) {
			return parsed.String()
		}
	}
	return ""
}
