// providers_google.go
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleProvider implements ProviderClient against the Google Calendar v3
// REST API. Token refresh goes through golang.org/x/oauth2's token source
// machinery; the calendar CRUD calls are plain JSON-over-HTTP, matching the
// shape of the pack's CalendarProviderPort reference.
type GoogleProvider struct {
	httpClient   *http.Client
	oauthConfig  *oauth2.Config
	webhookURL   string
}

func NewGoogleProvider(clientID, clientSecret, redirectURL string) *GoogleProvider {
	return &GoogleProvider{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/calendar"},
		},
	}
}

// AuthCodeURL builds the consent-screen redirect for onboarding, using state
// as CSRF protection (spec.md's onboarding flow is out of core scope but the
// core depends on its callback handing back a refresh token).
func (g *GoogleProvider) AuthCodeURL(state string) string {
	return g.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an onboarding authorization code for tokens and the
// account's provider subject/email, fetched from the userinfo endpoint since
// Google's token response carries no subject claim in the plain OAuth2 flow.
func (g *GoogleProvider) ExchangeCode(ctx context.Context, code string) (TokenSet, string, string, error) {
	tok, err := g.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return TokenSet{}, "", "", classifyOAuthError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.googleapis.com/oauth2/v3/userinfo", nil)
	if err != nil {
		return TokenSet{}, "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return TokenSet{}, "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return TokenSet{}, "", "", &ProviderError{Status: resp.StatusCode, Body: string(body)}
	}
	var info struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return TokenSet{}, "", "", err
	}
	return TokenSet{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}, info.Sub, info.Email, nil
}

func (g *GoogleProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (string, time.Time, error) {
	src := g.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", time.Time{}, classifyOAuthError(err)
	}
	return tok.AccessToken, tok.Expiry, nil
}

func (g *GoogleProvider) RevokeToken(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://oauth2.googleapis.com/revoke", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

type gcalEventsResponse struct {
	Items         []gcalEvent `json:"items"`
	NextPageToken string      `json:"nextPageToken"`
	NextSyncToken string      `json:"nextSyncToken"`
}

type gcalEvent struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Summary            string            `json:"summary"`
	Description        string            `json:"description"`
	Location           string            `json:"location"`
	Start              gcalTime          `json:"start"`
	End                gcalTime          `json:"end"`
	Transparency       string            `json:"transparency"`
	Visibility         string            `json:"visibility"`
	Recurrence         []string          `json:"recurrence"`
	ExtendedProperties *gcalExtendedProp `json:"extendedProperties,omitempty"`
}

type gcalTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

type gcalExtendedProp struct {
	Private map[string]string `json:"private,omitempty"`
}

func (g *GoogleProvider) ListEvents(ctx context.Context, accessToken, calendarID, syncToken, pageToken string) (*ListEventsResult, error) {
	q := url.Values{}
	q.Set("maxResults", "250")
	q.Set("singleEvents", "true")
	if syncToken != "" {
		q.Set("syncToken", syncToken)
	} else {
		q.Set("timeMin", time.Now().Add(-24*time.Hour).UTC().Format(time.RFC3339))
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	endpoint := fmt.Sprintf("https://www.googleapis.com/calendar/v3/calendars/%s/events?%s", url.PathEscape(calendarID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusGone {
		return &ListEventsResult{SyncTokenGone: true}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, &ProviderError{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed gcalEventsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	deltas := make([]ProviderEventDelta, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		deltas = append(deltas, googleEventToDelta(item))
	}

	return &ListEventsResult{
		Events:        deltas,
		NextPageToken: parsed.NextPageToken,
		NextSyncToken: parsed.NextSyncToken,
	}, nil
}

func googleEventToDelta(item gcalEvent) ProviderEventDelta {
	if item.Status == "cancelled" {
		return ProviderEventDelta{Type: DeltaDeleted, OriginEventID: item.ID}
	}
	start, allDay := parseGcalTime(item.Start)
	end, _ := parseGcalTime(item.End)
	transparency := TransparencyOpaque
	if item.Transparency == "transparent" {
		transparency = TransparencyTransparent
	}
	ext := ExtendedProperties{Other: map[string]string{}}
	if item.ExtendedProperties != nil {
		for k, v := range item.ExtendedProperties.Private {
			switch k {
			case "canonical_event_id":
				ext.CanonicalEventID = v
				ext.Managed = true
			case "origin_account_id":
				ext.OriginAccountID = v
			default:
				ext.Other[k] = v
			}
		}
	}
	return ProviderEventDelta{
		Type:          DeltaUpdated,
		OriginEventID: item.ID,
		Event: &NormalizedProviderEvent{
			Title:         item.Summary,
			Description:   item.Description,
			Location:      item.Location,
			Start:         start,
			End:           end,
			AllDay:        allDay,
			Status:        EventStatusConfirmed,
			Visibility:    item.Visibility,
			Transparency:  transparency,
			ExtendedProps: ext,
		},
	}
}

func parseGcalTime(t gcalTime) (time.Time, bool) {
	if t.DateTime != "" {
		parsed, _ := time.Parse(time.RFC3339, t.DateTime)
		return parsed, false
	}
	parsed, _ := time.Parse("2006-01-02", t.Date)
	return parsed, true
}

func (g *GoogleProvider) WatchCalendar(ctx context.Context, accessToken, calendarID, webhookURL string) (*WatchResult, error) {
	channelID := newChannelID()
	body, _ := json.Marshal(map[string]any{
		"id":      channelID,
		"type":    "web_hook",
		"address": webhookURL,
	})
	endpoint := fmt.Sprintf("https://www.googleapis.com/calendar/v3/calendars/%s/events/watch", url.PathEscape(calendarID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, &ProviderError{Status: resp.StatusCode, Body: string(respBody)}
	}
	var parsed struct {
		ResourceID string `json:"resourceId"`
		Expiration string `json:"expiration"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, err
	}
	expiry := time.Now().Add(7 * 24 * time.Hour)
	return &WatchResult{ChannelID: channelID, ResourceID: parsed.ResourceID, Expiry: expiry}, nil
}

func (g *GoogleProvider) StopWatch(ctx context.Context, accessToken, channelID, resourceID string) error {
	body, _ := json.Marshal(map[string]string{"id": channelID, "resourceId": resourceID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://www.googleapis.com/calendar/v3/channels/stop", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (g *GoogleProvider) UpsertEvent(ctx context.Context, accessToken, calendarID, providerEventID string, payload *MirrorEventPayload) (string, error) {
	body, _ := json.Marshal(googlePayloadFromMirror(payload))
	method := http.MethodPost
	endpoint := fmt.Sprintf("https://www.googleapis.com/calendar/v3/calendars/%s/events", url.PathEscape(calendarID))
	if providerEventID != "" {
		method = http.MethodPatch
		endpoint = fmt.Sprintf("%s/%s", endpoint, url.PathEscape(providerEventID))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", &ProviderError{Status: resp.StatusCode, Body: string(respBody)}
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", err
	}
	return parsed.ID, nil
}

func googlePayloadFromMirror(p *MirrorEventPayload) map[string]any {
	transparency := "opaque"
	if p.Transparency == TransparencyTransparent {
		transparency = "transparent"
	}
	out := map[string]any{
		"summary":      p.Title,
		"transparency": transparency,
		"extendedProperties": map[string]any{
			"private": map[string]string{
				"managed":            "true",
				"canonical_event_id": p.ExtendedProperties.CanonicalEventID,
				"origin_account_id":  p.ExtendedProperties.OriginAccountID,
			},
		},
	}
	if p.AllDay {
		out["start"] = map[string]string{"date": p.Start.Format("2006-01-02")}
		out["end"] = map[string]string{"date": p.End.Format("2006-01-02")}
	} else {
		out["start"] = map[string]string{"dateTime": p.Start.UTC().Format(time.RFC3339)}
		out["end"] = map[string]string{"dateTime": p.End.UTC().Format(time.RFC3339)}
	}
	return out
}

func (g *GoogleProvider) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	endpoint := fmt.Sprintf("https://www.googleapis.com/calendar/v3/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(providerEventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusGone {
		body, _ := io.ReadAll(resp.Body)
		return &ProviderError{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func (g *GoogleProvider) EnsureOverlayCalendar(ctx context.Context, accessToken string) (string, error) {
	body, _ := json.Marshal(map[string]string{"summary": "Busy (federated)"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://www.googleapis.com/calendar/v3/calendars", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", &ProviderError{Status: resp.StatusCode, Body: string(respBody)}
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", err
	}
	return parsed.ID, nil
}

func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if ok := asRetrieveError(err, &retrieveErr); ok {
		return &RefreshFailed{Status: retrieveErr.Response.StatusCode, Body: string(retrieveErr.Body)}
	}
	return err
}

func asRetrieveError(err error, target **oauth2.RetrieveError) bool {
	re, ok := err.(*oauth2.RetrieveError)
	if !ok {
		return false
	}
	*target = re
	return true
}
