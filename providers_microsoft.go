// providers_microsoft.go
package federation

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// MicrosoftProvider implements ProviderClient against Microsoft Graph.
// Subscriptions (Graph's equivalent of Google watch channels) carry a
// clientState secret; AccountActor.validateMsClientState compares each
// notification's clientState with the value stored for the subscription.
type MicrosoftProvider struct {
	httpClient  *http.Client
	oauthConfig *oauth2.Config
}

func NewMicrosoftProvider(clientID, clientSecret, redirectURL string) *MicrosoftProvider {
	return &MicrosoftProvider{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes:       []string{"offline_access", "Calendars.ReadWrite"},
		},
	}
}

// AuthCodeURL builds the consent-screen redirect for onboarding.
func (m *MicrosoftProvider) AuthCodeURL(state string) string {
	return m.oauthConfig.AuthCodeURL(state)
}

// ExchangeCode trades an onboarding authorization code for tokens and the
// account's provider subject/email, fetched from Graph's /me endpoint.
func (m *MicrosoftProvider) ExchangeCode(ctx context.Context, code string) (TokenSet, string, string, error) {
	tok, err := m.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return TokenSet{}, "", "", classifyOAuthError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil)
	if err != nil {
		return TokenSet{}, "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return TokenSet{}, "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return TokenSet{}, "", "", &ProviderError{Status: resp.StatusCode, Body: string(body)}
	}
	var info struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return TokenSet{}, "", "", err
	}
	email := info.Mail
	if email == "" {
		email = info.UserPrincipalName
	}
	return TokenSet{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}, info.ID, email, nil
}

func (m *MicrosoftProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (string, time.Time, error) {
	src := m.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", time.Time{}, classifyOAuthError(err)
	}
	return tok.AccessToken, tok.Expiry, nil
}

func (m *MicrosoftProvider) RevokeToken(ctx context.Context, token string) error {
	// Microsoft Graph has no token-revocation endpoint; revocation is
	// local-deletion-only (spec.md open question decision, see DESIGN.md).
	return nil
}

type graphEventsResponse struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

type graphEvent struct {
	ID                 string             `json:"id"`
	Removed            *struct{}          `json:"@removed,omitempty"`
	Subject            string             `json:"subject"`
	BodyPreview        string             `json:"bodyPreview"`
	Location           graphLocation      `json:"location"`
	Start              graphDateTimeTZ    `json:"start"`
	End                graphDateTimeTZ    `json:"end"`
	IsAllDay           bool               `json:"isAllDay"`
	ShowAs             string             `json:"showAs"`
	Sensitivity        string             `json:"sensitivity"`
	SingleValueExtendedProperties []graphExtendedProp `json:"singleValueExtendedProperties"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphDateTimeTZ struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphExtendedProp struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

const (
	graphPropCanonicalID = "String {66f5a359-4659-4830-9070-00047ec6ac6e} Name canonical_event_id"
	graphPropOriginAcct  = "String {66f5a359-4659-4830-9070-00047ec6ac6e} Name origin_account_id"
)

func (m *MicrosoftProvider) ListEvents(ctx context.Context, accessToken, calendarID, syncToken, pageToken string) (*ListEventsResult, error) {
	var endpoint string
	switch {
	case pageToken != "":
		endpoint = pageToken
	case syncToken != "":
		endpoint = syncToken
	default:
		q := url.Values{}
		q.Set("$select", "id,subject,bodyPreview,location,start,end,isAllDay,showAs,sensitivity,singleValueExtendedProperties")
		endpoint = fmt.Sprintf("https://graph.microsoft.com/v1.0/me/calendars/%s/events/delta?%s", url.PathEscape(calendarID), q.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := m.httpClient.Do(req)
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

	var parsed graphEventsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	deltas := make([]ProviderEventDelta, 0, len(parsed.Value))
	for _, item := range parsed.Value {
		deltas = append(deltas, graphEventToDelta(item))
	}

	return &ListEventsResult{
		Events:        deltas,
		NextPageToken: parsed.NextLink,
		NextSyncToken: parsed.DeltaLink,
	}, nil
}

func graphEventToDelta(item graphEvent) ProviderEventDelta {
	if item.Removed != nil {
		return ProviderEventDelta{Type: DeltaDeleted, OriginEventID: item.ID}
	}
	start, _ := time.Parse("2006-01-02T15:04:05.9999999", item.Start.DateTime)
	end, _ := time.Parse("2006-01-02T15:04:05.9999999", item.End.DateTime)
	transparency := TransparencyOpaque
	if item.ShowAs == "free" {
		transparency = TransparencyTransparent
	}
	ext := ExtendedProperties{Other: map[string]string{}}
	for _, p := range item.SingleValueExtendedProperties {
		switch p.ID {
		case graphPropCanonicalID:
			ext.CanonicalEventID = p.Value
			ext.Managed = true
		case graphPropOriginAcct:
			ext.OriginAccountID = p.Value
		default:
			ext.Other[p.ID] = p.Value
		}
	}
	return ProviderEventDelta{
		Type:          DeltaUpdated,
		OriginEventID: item.ID,
		Event: &NormalizedProviderEvent{
			Title:         item.Subject,
			Description:   item.BodyPreview,
			Location:      item.Location.DisplayName,
			Start:         start.UTC(),
			End:           end.UTC(),
			AllDay:        item.IsAllDay,
			Status:        EventStatusConfirmed,
			Visibility:    item.Sensitivity,
			Transparency:  transparency,
			ExtendedProps: ext,
		},
	}
}

func (m *MicrosoftProvider) WatchCalendar(ctx context.Context, accessToken, calendarID, webhookURL string) (*WatchResult, error) {
	clientState, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	expiry := time.Now().Add(4230 * time.Minute) // Graph calendar subscription max ~= 4230 min
	body, _ := json.Marshal(map[string]any{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    webhookURL,
		"resource":           fmt.Sprintf("me/calendars/%s/events", calendarID),
		"expirationDateTime": expiry.UTC().Format(time.RFC3339),
		"clientState":        clientState,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://graph.microsoft.com/v1.0/subscriptions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, &ProviderError{Status: resp.StatusCode, Body: string(respBody)}
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, err
	}
	return &WatchResult{ChannelID: parsed.ID, ClientState: clientState, Expiry: expiry}, nil
}

func (m *MicrosoftProvider) StopWatch(ctx context.Context, accessToken, channelID, resourceID string) error {
	endpoint := "https://graph.microsoft.com/v1.0/subscriptions/" + url.PathEscape(channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (m *MicrosoftProvider) UpsertEvent(ctx context.Context, accessToken, calendarID, providerEventID string, payload *MirrorEventPayload) (string, error) {
	body, _ := json.Marshal(graphPayloadFromMirror(payload))
	method := http.MethodPost
	endpoint := fmt.Sprintf("https://graph.microsoft.com/v1.0/me/calendars/%s/events", url.PathEscape(calendarID))
	if providerEventID != "" {
		method = http.MethodPatch
		endpoint = fmt.Sprintf("https://graph.microsoft.com/v1.0/me/events/%s", url.PathEscape(providerEventID))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
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

func graphPayloadFromMirror(p *MirrorEventPayload) map[string]any {
	showAs := "busy"
	if p.Transparency == TransparencyTransparent {
		showAs = "free"
	}
	return map[string]any{
		"subject":  p.Title,
		"isAllDay": p.AllDay,
		"showAs":   showAs,
		"start":    map[string]string{"dateTime": p.Start.UTC().Format("2006-01-02T15:04:05.0000000"), "timeZone": "UTC"},
		"end":      map[string]string{"dateTime": p.End.UTC().Format("2006-01-02T15:04:05.0000000"), "timeZone": "UTC"},
		"singleValueExtendedProperties": []map[string]string{
			{"id": graphPropCanonicalID, "value": p.ExtendedProperties.CanonicalEventID},
			{"id": graphPropOriginAcct, "value": p.ExtendedProperties.OriginAccountID},
		},
	}
}

func (m *MicrosoftProvider) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	endpoint := "https://graph.microsoft.com/v1.0/me/events/" + url.PathEscape(providerEventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := m.httpClient.Do(req)
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

func (m *MicrosoftProvider) EnsureOverlayCalendar(ctx context.Context, accessToken string) (string, error) {
	body, _ := json.Marshal(map[string]string{"name": "Busy (federated)"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://graph.microsoft.com/v1.0/me/calendars", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
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

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
