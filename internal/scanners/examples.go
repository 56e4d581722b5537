// Package scanners holds a handful of minimal example scanners used to
// exercise the engine end to end and registered by default in
// cmd/tachyonengine. Individual scanner implementations (XSS/SQLi
// probes and the like) are outside this engine's scope; these exist
// only to give the Registry/Orchestrator/HTTP Fabric something real to
// run against during development and tests.
package scanners

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"tachyon-scan-engine/internal/httpfabric"
	"tachyon-scan-engine/internal/model"
	"tachyon-scan-engine/internal/registry"
)

// securityHeadersScanner is a Stage A probe: one GET, flagged against a
// small set of expected hardening headers.
type securityHeadersScanner struct {
	fabric *httpfabric.Fabric
}

func (s *securityHeadersScanner) Name() string { return "security-headers" }

func (s *securityHeadersScanner) Metadata() model.ScannerMetadata {
	return model.ScannerMetadata{
		OWASPCategory: "A05:2021-Security Misconfiguration",
		Intensity:     model.IntensityLow,
		Stage:         model.StageA,
	}
}

var expectedHeaders = []string{
	"Content-Security-Policy",
	"X-Content-Type-Options",
	"X-Frame-Options",
	"Strict-Transport-Security",
}

func (s *securityHeadersScanner) Run(ctx context.Context, target model.Target, options model.ScanOptions) ([]model.Finding, error) {
	resp, err := s.fabric.Do(ctx, http.MethodGet, target.Origin+"/", nil, nil, httpfabric.RequestOptions{})
	if err != nil {
		return nil, err
	}

	var findings []model.Finding
	for _, h := range expectedHeaders {
		if resp.Headers.Get(h) != "" {
			continue
		}
		location := target.Origin + "/"
		evidence := fmt.Sprintf("response missing %s header", h)
		id := model.ComputeFindingID(s.Name(), "missing_security_header", location, evidence)
		findings = append(findings, model.Finding{
			ID:          id,
			ScannerName: s.Name(),
			Title:       fmt.Sprintf("Missing %s header", h),
			Severity:    model.SeverityLow,
			Category:    "A05:2021-Security Misconfiguration",
			Type:        "missing_security_header",
			Location:    location,
			Description: evidence,
			Remediation: fmt.Sprintf("Set the %s response header.", h),
			Evidence:    evidence,
		})
	}
	return findings, nil
}

// serverBannerScanner is a Stage A probe: flags a verbose Server header
// that leaks version information.
type serverBannerScanner struct {
	fabric *httpfabric.Fabric
}

func (s *serverBannerScanner) Name() string { return "server-banner" }

func (s *serverBannerScanner) Metadata() model.ScannerMetadata {
	return model.ScannerMetadata{
		OWASPCategory: "A05:2021-Security Misconfiguration",
		Intensity:     model.IntensityLow,
		Stage:         model.StageA,
	}
}

func (s *serverBannerScanner) Run(ctx context.Context, target model.Target, options model.ScanOptions) ([]model.Finding, error) {
	resp, err := s.fabric.Do(ctx, http.MethodGet, target.Origin+"/", nil, nil, httpfabric.RequestOptions{})
	if err != nil {
		return nil, err
	}

	banner := resp.Headers.Get("Server")
	if banner == "" || !strings.ContainsAny(banner, "0123456789") {
		return nil, nil
	}

	location := target.Origin + "/"
	id := model.ComputeFindingID(s.Name(), "verbose_server_banner", location, banner)
	return []model.Finding{{
		ID:          id,
		ScannerName: s.Name(),
		Title:       "Verbose Server banner",
		Severity:    model.SeverityInfo,
		Category:    "A05:2021-Security Misconfiguration",
		Type:        "verbose_server_banner",
		Location:    location,
		Description: fmt.Sprintf("Server header discloses version information: %q", banner),
		Remediation: "Suppress or generalize the Server response header.",
		Evidence:    banner,
	}}, nil
}

// formDiscoveryScanner is a Stage B probe standing in for a real
// crawler: it looks for an HTML <form> tag on the landing page as a
// coarse signal Stage C's deeper probes can key off of.
type formDiscoveryScanner struct {
	fabric *httpfabric.Fabric
}

func (s *formDiscoveryScanner) Name() string { return "form-discovery" }

func (s *formDiscoveryScanner) Metadata() model.ScannerMetadata {
	return model.ScannerMetadata{
		OWASPCategory: "A03:2021-Injection",
		Intensity:     model.IntensityMedium,
		Stage:         model.StageB,
	}
}

func (s *formDiscoveryScanner) Run(ctx context.Context, target model.Target, options model.ScanOptions) ([]model.Finding, error) {
	resp, err := s.fabric.Do(ctx, http.MethodGet, target.Origin+"/", nil, nil, httpfabric.RequestOptions{})
	if err != nil {
		return nil, err
	}

	if !strings.Contains(strings.ToLower(string(resp.Body)), "<form") {
		return nil, nil
	}

	location := target.Origin + "/"
	evidence := "page contains at least one <form> element"
	id := model.ComputeFindingID(s.Name(), "form_present", location, evidence)
	return []model.Finding{{
		ID:          id,
		ScannerName: s.Name(),
		Title:       "Form submission surface detected",
		Severity:    model.SeverityInfo,
		Category:    "A03:2021-Injection",
		Type:        "form_present",
		Location:    location,
		Description: evidence,
	}}, nil
}

// RegisterDefaults registers the engine's built-in example scanners.
func RegisterDefaults(reg *registry.Registry, fabric *httpfabric.Fabric) {
	reg.Register("security-headers", model.ScannerMetadata{Intensity: model.IntensityLow, Stage: model.StageA},
		func() registry.Scanner { return &securityHeadersScanner{fabric: fabric} })
	reg.Register("server-banner", model.ScannerMetadata{Intensity: model.IntensityLow, Stage: model.StageA},
		func() registry.Scanner { return &serverBannerScanner{fabric: fabric} })
	reg.Register("form-discovery", model.ScannerMetadata{Intensity: model.IntensityMedium, Stage: model.StageB},
		func() registry.Scanner { return &formDiscoveryScanner{fabric: fabric} })
}
