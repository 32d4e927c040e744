package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/detonator/internal/domain"
)

const (
	defenderEndpoint  = "https://api.securitycenter.microsoft.com"
	incidentsEndpoint = "https://api.security.microsoft.com"
)

// DefenderConfig selects the Defender for Endpoint tenant and endpoints.
// Endpoints and token URL default to the public cloud.
type DefenderConfig struct {
	TenantID          string
	ClientID          string
	ClientSecret      string
	APIEndpoint       string
	IncidentsEndpoint string
	TokenURL          string
}

// Defender is a Microsoft Defender for Endpoint client. Each API audience
// has its own client-credentials token source, refreshed on expiry.
type Defender struct {
	api       *http.Client
	incidents *http.Client
	apiURL    string
	incURL    string
}

func NewDefender(cfg DefenderConfig) *Defender {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = defenderEndpoint
	}
	if cfg.IncidentsEndpoint == "" {
		cfg.IncidentsEndpoint = incidentsEndpoint
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://login.microsoftonline.com/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token"
	}
	audience := func(endpoint string) *http.Client {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       []string{strings.TrimRight(endpoint, "/") + "/.default"},
		}
		client := cc.Client(context.Background())
		client.Timeout = 30 * time.Second
		return client
	}
	return &Defender{
		api:       audience(cfg.APIEndpoint),
		incidents: audience(cfg.IncidentsEndpoint),
		apiURL:    strings.TrimRight(cfg.APIEndpoint, "/"),
		incURL:    strings.TrimRight(cfg.IncidentsEndpoint, "/"),
	}
}

type defenderAlert struct {
	ID                string          `json:"id"`
	IncidentID        json.RawMessage `json:"incidentId"`
	Severity          string          `json:"severity"`
	Category          string          `json:"category"`
	Title             string          `json:"title"`
	DetectionSource   string          `json:"detectionSource"`
	AlertCreationTime *time.Time      `json:"alertCreationTime"`
	FirstEventTime    *time.Time      `json:"firstEventTime"`
	Status            string          `json:"status"`
}

func (d *Defender) Alerts(ctx context.Context, deviceID string, from, to time.Time) ([]domain.Alert, error) {
	filter := fmt.Sprintf("machineId eq '%s' and alertCreationTime ge %s and alertCreationTime le %s",
		escapeOData(deviceID), from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	endpoint := d.apiURL + "/api/alerts?$filter=" + url.QueryEscape(filter)

	var page struct {
		Value    []json.RawMessage `json:"value"`
		NextLink string            `json:"@odata.nextLink"`
	}
	alerts := make([]domain.Alert, 0)
	for endpoint != "" {
		page.Value, page.NextLink = nil, ""
		if err := d.do(ctx, d.api, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, fmt.Errorf("list alerts: %w", err)
		}
		for _, raw := range page.Value {
			var a defenderAlert
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("decode alert: %w", err)
			}
			var payload map[string]any
			_ = json.Unmarshal(raw, &payload)
			alert := domain.Alert{
				ExternalID:      a.ID,
				IncidentID:      incidentID(a.IncidentID),
				Source:          domain.AlertSourceCloud,
				Severity:        a.Severity,
				Category:        a.Category,
				Title:           a.Title,
				DetectionSource: a.DetectionSource,
				DetectedAt:      firstTime(a.FirstEventTime, a.AlertCreationTime),
				Raw:             domain.Metadata(payload),
			}
			alerts = append(alerts, alert)
		}
		endpoint = page.NextLink
	}
	return alerts, nil
}

func (d *Defender) LookupDevice(ctx context.Context, hostname string) (string, error) {
	filter := fmt.Sprintf("computerDnsName eq '%s' or startswith(computerDnsName,'%s.')",
		escapeOData(strings.ToLower(hostname)), escapeOData(strings.ToLower(hostname)))
	endpoint := d.apiURL + "/api/machines?$filter=" + url.QueryEscape(filter)
	var page struct {
		Value []struct {
			ID           string     `json:"id"`
			LastSeen     *time.Time `json:"lastSeen"`
			HealthStatus string     `json:"healthStatus"`
		} `json:"value"`
	}
	if err := d.do(ctx, d.api, http.MethodGet, endpoint, nil, &page); err != nil {
		return "", fmt.Errorf("lookup device: %w", err)
	}
	best := ""
	var bestSeen time.Time
	for _, m := range page.Value {
		seen := time.Time{}
		if m.LastSeen != nil {
			seen = *m.LastSeen
		}
		if best == "" || seen.After(bestSeen) {
			best, bestSeen = m.ID, seen
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, hostname)
	}
	return best, nil
}

func (d *Defender) ResolveAlert(ctx context.Context, alertID, comment string) error {
	body := map[string]string{"status": "Resolved", "classification": "TruePositive", "determination": "SecurityTesting", "comment": comment}
	endpoint := d.apiURL + "/api/alerts/" + url.PathEscape(alertID)
	if err := d.do(ctx, d.api, http.MethodPatch, endpoint, body, nil); err != nil {
		return fmt.Errorf("resolve alert %s: %w", alertID, err)
	}
	return nil
}

func (d *Defender) ResolveIncident(ctx context.Context, incidentID, comment string) error {
	body := map[string]any{"status": "Resolved", "classification": "TruePositive", "determination": "SecurityTesting", "comment": comment}
	endpoint := d.incURL + "/api/incidents/" + url.PathEscape(incidentID)
	if err := d.do(ctx, d.incidents, http.MethodPatch, endpoint, body, nil); err != nil {
		return fmt.Errorf("resolve incident %s: %w", incidentID, err)
	}
	return nil
}

func (d *Defender) do(ctx context.Context, client *http.Client, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode vendor response: %w", err)
		}
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
}

func escapeOData(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

// incidentID accepts both numeric and string incident ids.
func incidentID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	return s
}

func firstTime(values ...*time.Time) *time.Time {
	for _, v := range values {
		if v != nil && !v.IsZero() {
			t := v.UTC()
			return &t
		}
	}
	return nil
}
