// httpapi.go
package federation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Server wires the actor registries and provider clients behind the HTTP
// surface spec.md places "at the interface with the core": onboarding,
// provider webhooks, and a pathname-dispatched JSON RPC mirroring every
// AccountActor/UserGraphActor operation (spec.md §6).
type Server struct {
	accounts   *AccountRegistry
	users      *UserGraphRegistry
	google     *GoogleProvider
	microsoft  *MicrosoftProvider
	queue      Queue
	cfg        *Config
	stateStore map[string]onboardingState // onboarding CSRF state -> pending onboarding, single-process dev store
}

type onboardingState struct {
	provider Provider
	userID   string
}

func NewServer(accounts *AccountRegistry, users *UserGraphRegistry, google *GoogleProvider, microsoft *MicrosoftProvider, queue Queue, cfg *Config) *Server {
	return &Server{
		accounts:   accounts,
		users:      users,
		google:     google,
		microsoft:  microsoft,
		queue:      queue,
		cfg:        cfg,
		stateStore: make(map[string]onboardingState),
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// NewRouter builds the full HTTP surface. Unknown pathnames fall through to
// mux's own 404, matching spec.md §6's "unknown pathname -> 404 plain text".
func (s *Server) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/onboarding/start/{provider}", jwtAuth(s.cfg.JWTSecret)(http.HandlerFunc(s.onboardingStart)).ServeHTTP).Methods(http.MethodPost)
	r.HandleFunc("/onboarding/callback/{provider}", s.onboardingCallback).Methods(http.MethodGet)

	r.HandleFunc("/webhooks/google", s.googleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/microsoft", s.microsoftWebhook).Methods(http.MethodPost)

	r.Handle("/accounts/{accountID}/{op}", jwtAuth(s.cfg.JWTSecret)(http.HandlerFunc(s.accountRPC))).Methods(http.MethodPost)
	r.Handle("/users/{userID}/{op}", jwtAuth(s.cfg.JWTSecret)(http.HandlerFunc(s.userRPC))).Methods(http.MethodPost)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)

	return r
}

// --- onboarding ---

func (s *Server) providerByName(name string) (Provider, bool) {
	switch name {
	case string(ProviderGoogle):
		return ProviderGoogle, true
	case string(ProviderMicrosoft):
		return ProviderMicrosoft, true
	default:
		return "", false
	}
}

func randomState() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Server) onboardingStart(w http.ResponseWriter, r *http.Request) {
	providerName, ok := s.providerByName(mux.Vars(r)["provider"])
	if !ok {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}
	userID, err := userIDFromContext(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	state := randomState()
	s.stateStore[state] = onboardingState{provider: providerName, userID: userID}

	var redirectURL string
	if providerName == ProviderGoogle {
		redirectURL = s.google.AuthCodeURL(state)
	} else {
		redirectURL = s.microsoft.AuthCodeURL(state)
	}
	respondJSON(w, http.StatusOK, map[string]string{"redirect_url": redirectURL})
}

func (s *Server) onboardingCallback(w http.ResponseWriter, r *http.Request) {
	providerName, ok := s.providerByName(mux.Vars(r)["provider"])
	if !ok {
		respondError(w, http.StatusNotFound, "unknown provider")
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		respondError(w, http.StatusBadRequest, "missing code or state")
		return
	}
	pending, ok := s.stateStore[state]
	if !ok || pending.provider != providerName {
		respondError(w, http.StatusBadRequest, "unrecognized onboarding state")
		return
	}
	delete(s.stateStore, state)
	userID := pending.userID

	ctx := r.Context()
	var tokens TokenSet
	var subject, email string
	var err error
	if providerName == ProviderGoogle {
		tokens, subject, email, err = s.google.ExchangeCode(ctx, code)
	} else {
		tokens, subject, email, err = s.microsoft.ExchangeCode(ctx, code)
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	acct := &Account{
		AccountID:       newAccountID(),
		UserID:          userID,
		Provider:        providerName,
		ProviderSubject: subject,
		Email:           email,
		Status:          AccountStatusActive,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	actor := s.accounts.Get(acct.AccountID)
	if err := actor.initialize(acct, tokens, []string{"primary"}); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	msg := SyncFullMsg{Type: MsgSyncFull, AccountID: acct.AccountID, Reason: "onboarding"}
	raw, _ := json.Marshal(msg)
	if err := s.queue.Publish(ctx, QueueSync, raw, 0); err != nil {
		Logger().Warn("onboarding_sync_publish_failed", "account_id", acct.AccountID, "err", err)
	}

	RecordAudit(SetUserContext(ctx, userID), AuditLevelInfo, "account", "onboard", "account linked via onboarding callback", map[string]any{
		"account_id": acct.AccountID,
		"provider":   string(providerName),
	})

	respondJSON(w, http.StatusCreated, acct)
}

// --- webhooks ---

func (s *Server) googleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-Id")
	resourceID := r.Header.Get("X-Goog-Resource-Id")
	resourceState := r.Header.Get("X-Goog-Resource-State")
	if channelID == "" || resourceState == "sync" {
		w.WriteHeader(http.StatusOK) // initial sync handshake, no event yet
		return
	}

	ch, accountID, err := s.lookupChannelAccount(channelID)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown channel")
		return
	}

	msg := SyncIncrementalMsg{
		Type:       MsgSyncIncremental,
		AccountID:  accountID,
		ChannelID:  channelID,
		ResourceID: resourceID,
		PingTs:     time.Now().UTC().Unix(),
		CalendarID: ch.CalendarID,
	}
	raw, _ := json.Marshal(msg)
	if err := s.queue.Publish(r.Context(), QueueSync, raw, 0); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// lookupChannelAccount resolves the account owning a watch channel id with a
// direct channel->account lookup in the account store, then loads the
// channel row itself.
func (s *Server) lookupChannelAccount(channelID string) (*WatchChannel, string, error) {
	accountID, err := s.accounts.store.accountIDForChannel(channelID)
	if err != nil {
		return nil, "", err
	}
	ch, err := s.accounts.store.getChannel(channelID)
	if err != nil {
		return nil, "", err
	}
	return ch, accountID, nil
}

type msGraphNotification struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		Resource       string `json:"resource"`
	} `json:"value"`
}

func (s *Server) microsoftWebhook(w http.ResponseWriter, r *http.Request) {
	if validationToken := r.URL.Query().Get("validationToken"); validationToken != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(validationToken))
		return
	}

	var notification msGraphNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		respondError(w, http.StatusBadRequest, "invalid notification body")
		return
	}
	for _, n := range notification.Value {
		accountID, err := s.accounts.store.accountIDForSubscription(n.SubscriptionID)
		if err != nil {
			continue
		}
		actor := s.accounts.Get(accountID)
		valid, verr := actor.validateMsClientState(n.SubscriptionID, n.ClientState)
		if verr != nil || !valid {
			Logger().Warn("ms_webhook_invalid_client_state", "subscription_id", n.SubscriptionID)
			continue
		}
		msg := SyncIncrementalMsg{
			Type:      MsgSyncIncremental,
			AccountID: accountID,
			PingTs:    time.Now().UTC().Unix(),
		}
		raw, _ := json.Marshal(msg)
		if perr := s.queue.Publish(r.Context(), QueueSync, raw, 0); perr != nil {
			Logger().Warn("ms_webhook_publish_failed", "account_id", accountID, "err", perr)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- actor RPC dispatch ---

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err.Error() != "EOF" {
		return err
	}
	return nil
}

func (s *Server) accountRPC(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountID := vars["accountID"]
	op := vars["op"]
	actor := s.accounts.Get(accountID)
	ctx := r.Context()

	switch op {
	case "getAccessToken":
		token, err := actor.getAccessToken(ctx)
		s.reply(w, map[string]string{"access_token": token}, err)
	case "revokeTokens":
		err := actor.revokeTokens(ctx)
		s.reply(w, map[string]bool{"revoked": err == nil}, err)
	case "getSyncToken":
		tok, err := actor.getSyncToken()
		s.reply(w, map[string]string{"sync_token": tok}, err)
	case "setSyncToken":
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.setSyncToken(body.Token))
	case "markSyncSuccess":
		s.reply(w, nil, actor.markSyncSuccess())
	case "markSyncFailure":
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.markSyncFailure(body.Reason))
	case "registerChannel":
		var ch WatchChannel
		if err := decodeBody(r, &ch); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		ch.AccountID = accountID
		if ch.ChannelID == "" {
			ch.ChannelID = newChannelID()
		}
		ch.CreatedAt = time.Now().UTC()
		s.reply(w, &ch, actor.registerChannel(&ch))
	case "renewChannel":
		var body struct {
			ChannelID  string    `json:"channel_id"`
			ResourceID string    `json:"resource_id"`
			Expiry     time.Time `json:"expiry"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.renewChannel(body.ChannelID, body.ResourceID, body.Expiry))
	case "getChannelStatus":
		var body struct {
			ChannelID string `json:"channel_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		ch, err := actor.getChannelStatus(body.ChannelID)
		s.reply(w, ch, err)
	case "stopWatchChannels":
		s.reply(w, nil, actor.stopWatchChannels(ctx))
	case "createMsSubscription":
		var sub MsSubscription
		if err := decodeBody(r, &sub); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		sub.AccountID = accountID
		if sub.SubscriptionID == "" {
			sub.SubscriptionID = newSubscriptionID()
		}
		sub.CreatedAt = time.Now().UTC()
		s.reply(w, &sub, actor.createMsSubscription(&sub))
	case "renewMsSubscription":
		var body struct {
			SubscriptionID string    `json:"subscription_id"`
			Expiry         time.Time `json:"expiry"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.renewMsSubscription(body.SubscriptionID, body.Expiry))
	case "deleteMsSubscription":
		var body struct {
			SubscriptionID string `json:"subscription_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.deleteMsSubscription(body.SubscriptionID))
	case "getMsSubscriptions":
		subs, err := actor.listMsSubscriptions()
		s.reply(w, subs, err)
	case "validateMsClientState":
		var body struct {
			SubscriptionID string `json:"subscription_id"`
			ClientState    string `json:"client_state"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		valid, err := actor.validateMsClientState(body.SubscriptionID, body.ClientState)
		s.reply(w, map[string]bool{"valid": valid}, err)
	case "getHealth":
		h, err := actor.getHealth()
		s.reply(w, h, err)
	case "rotateKey":
		var body struct {
			NewMasterKey string `json:"new_master_key"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.rotateKey([]byte(body.NewMasterKey)))
	case "getEncryptedDekForBackup":
		backup, err := actor.getEncryptedDekForBackup()
		s.reply(w, backup, err)
	case "restoreDekFromBackup":
		var backup DekBackup
		if err := decodeBody(r, &backup); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.restoreDekFromBackup(&backup))
	case "getEncryptionHealth":
		h, err := actor.getEncryptionHealth()
		s.reply(w, h, err)
	case "getProvider":
		account, err := s.accounts.GetAccount(accountID)
		if err != nil {
			s.reply(w, nil, err)
			return
		}
		s.reply(w, map[string]string{"provider": string(account.Provider)}, nil)
	default:
		respondError(w, http.StatusNotFound, "unknown operation")
	}
}

func (s *Server) reply(w http.ResponseWriter, payload interface{}, err error) {
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if payload == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) userRPC(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID := vars["userID"]
	op := vars["op"]
	actor := s.users.Get(userID)
	ctx := r.Context()

	switch op {
	case "applyProviderDelta":
		var body struct {
			OriginAccountID string               `json:"origin_account_id"`
			Deltas          []ProviderEventDelta `json:"deltas"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		edges, err := actor.activeEdgesFromAccount(body.OriginAccountID)
		if err != nil {
			s.reply(w, nil, err)
			return
		}
		s.reply(w, nil, actor.applyProviderDelta(ctx, body.OriginAccountID, body.Deltas, edges))
	case "findCanonicalByOrigin":
		var body struct {
			OriginAccountID string `json:"origin_account_id"`
			OriginEventID   string `json:"origin_event_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		e, err := actor.findCanonicalByOrigin(body.OriginAccountID, body.OriginEventID)
		s.reply(w, e, err)
	case "getCanonicalEvent":
		var body struct {
			CanonicalEventID string `json:"canonical_event_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		e, err := actor.getCanonicalEvent(body.CanonicalEventID)
		s.reply(w, e, err)
	case "listCanonicalEvents":
		var body struct {
			Start           time.Time `json:"time_min"`
			End             time.Time `json:"time_max"`
			OriginAccountID string    `json:"origin_account_id"`
			Limit           int       `json:"limit"`
			Cursor          string    `json:"cursor"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		events, next, err := actor.listCanonicalEventsPage(body.Start, body.End, body.OriginAccountID, body.Limit, body.Cursor)
		if err != nil {
			s.reply(w, nil, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"events": events, "cursor": next})
	case "getMirror":
		var body struct {
			CanonicalEventID string `json:"canonical_event_id"`
			TargetAccountID  string `json:"target_account_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		m, err := actor.getMirror(body.CanonicalEventID, body.TargetAccountID)
		s.reply(w, m, err)
	case "getActiveMirrors":
		var body struct {
			CanonicalEventID string `json:"canonical_event_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		mirrors, err := actor.getActiveMirrors(body.CanonicalEventID)
		s.reply(w, mirrors, err)
	case "updateMirrorState":
		var body struct {
			CanonicalEventID string      `json:"canonical_event_id"`
			TargetAccountID  string      `json:"target_account_id"`
			State            MirrorState `json:"state"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.updateMirrorState(body.CanonicalEventID, body.TargetAccountID, body.State))
	case "recomputeProjections":
		var body struct {
			CanonicalEventID string `json:"canonical_event_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.recomputeProjections(ctx, body.CanonicalEventID))
	case "createPolicy":
		var body struct {
			Name      string `json:"name"`
			IsDefault bool   `json:"is_default"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		p, err := actor.createPolicy(body.Name, body.IsDefault)
		s.reply(w, p, err)
	case "ensureDefaultPolicy":
		p, err := actor.ensureDefaultPolicy()
		s.reply(w, p, err)
	case "setPolicyEdges":
		var body struct {
			PolicyID string       `json:"policy_id"`
			Edges    []PolicyEdge `json:"edges"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.setPolicyEdges(body.PolicyID, body.Edges))
	case "getPolicyEdges":
		var body struct {
			PolicyID string `json:"policy_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		edges, err := actor.getPolicyEdges(body.PolicyID)
		s.reply(w, edges, err)
	case "setEdgeTargetCalendar":
		var body struct {
			Edge       PolicyEdge `json:"edge"`
			CalendarID string     `json:"calendar_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, s.users.SetEdgeTargetCalendar(&body.Edge, body.CalendarID))
	case "addConstraint":
		var body struct {
			Kind       ConstraintKind `json:"kind"`
			ConfigJSON string         `json:"config_json"`
			From       *time.Time     `json:"from"`
			To         *time.Time     `json:"to"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		c, err := actor.addConstraint(body.Kind, body.ConfigJSON, body.From, body.To)
		s.reply(w, c, err)
	case "listConstraints":
		constraints, err := actor.listConstraints()
		s.reply(w, constraints, err)
	case "removeConstraint":
		var body struct {
			ConstraintID string `json:"constraint_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.removeConstraint(body.ConstraintID))
	case "createVipPolicy":
		var body struct {
			ParticipantHash string  `json:"participant_hash"`
			DisplayName     string  `json:"display_name"`
			Weight          float64 `json:"weight"`
			ConditionsJSON  string  `json:"conditions_json"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		v, err := actor.addVipPolicy(body.ParticipantHash, body.DisplayName, body.Weight, body.ConditionsJSON)
		s.reply(w, v, err)
	case "listVipPolicies":
		vips, err := actor.listVipPolicies()
		s.reply(w, vips, err)
	case "deleteVipPolicy":
		var body struct {
			VipID string `json:"vip_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.removeVipPolicy(body.VipID))
	case "recordSchedulingHistory":
		var body struct {
			SessionID       string `json:"session_id"`
			ParticipantHash string `json:"participant_hash"`
			GotPreferred    bool   `json:"got_preferred"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.recordHistoryEntry(body.SessionID, body.ParticipantHash, body.GotPreferred))
	case "getSchedulingHistory":
		var body struct {
			ParticipantHash string `json:"participant_hash"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		agg, err := actor.getHistoryAggregate(body.ParticipantHash)
		s.reply(w, agg, err)
	case "createSession":
		var body struct {
			DurationMinutes        int       `json:"duration_minutes"`
			WindowStart            time.Time `json:"window_start"`
			WindowEnd              time.Time `json:"window_end"`
			SlotGranularityMinutes int       `json:"slot_granularity_minutes"`
			MaxCandidates          int       `json:"max_candidates"`
			ParticipantHashes      []string  `json:"participant_hashes"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		objective, err := actor.buildSchedulingObjective(body.DurationMinutes, body.WindowStart, body.WindowEnd,
			body.SlotGranularityMinutes, body.MaxCandidates, body.ParticipantHashes)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		sess, err := actor.openSession(objective)
		if err == nil {
			s.proposeAndReply(w, ctx, actor, sess, err)
			return
		}
		s.reply(w, sess, err)
	case "getSession":
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		sess, err := actor.getSession(body.SessionID)
		s.reply(w, sess, err)
	case "listSchedulingSessions":
		var body struct {
			Status SessionStatus `json:"status"`
			Limit  int           `json:"limit"`
			Cursor string        `json:"cursor"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		sessions, next, err := actor.listSessionsForUser(body.Status, body.Limit, body.Cursor)
		if err != nil {
			s.reply(w, nil, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions, "cursor": next})
	case "commitCandidate":
		var body struct {
			SessionID         string   `json:"session_id"`
			CandidateID       string   `json:"candidate_id"`
			EventID           string   `json:"event_id"`
			ParticipantHashes []string `json:"participant_hashes"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.commitSession(body.SessionID, body.CandidateID, body.EventID, body.ParticipantHashes))
	case "cancelSchedulingSession":
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.cancelSession(body.SessionID))
	case "getHoldsBySession":
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		holds, err := actor.getHoldsBySession(body.SessionID)
		s.reply(w, holds, err)
	case "getExpiredHolds":
		holds, err := actor.getExpiredHolds(time.Now().UTC())
		s.reply(w, holds, err)
	case "updateHoldStatus":
		var body struct {
			HoldID string     `json:"hold_id"`
			Status HoldStatus `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.updateHoldStatus(body.HoldID, body.Status))
	case "computeAvailability":
		var body struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		intervals, err := actor.computeAvailability(body.Start, body.End)
		s.reply(w, intervals, err)
	case "queryJournal":
		var body struct {
			CanonicalEventID string `json:"canonical_event_id"`
			Limit            int    `json:"limit"`
			Cursor           string `json:"cursor"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		entries, next, err := actor.queryJournalPage(body.CanonicalEventID, body.Limit, body.Cursor)
		if err != nil {
			s.reply(w, nil, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "cursor": next})
	case "getSyncHealth":
		health, err := actor.getSyncHealth()
		s.reply(w, health, err)
	case "unlinkAccount":
		var body struct {
			AccountID string `json:"account_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := actor.unlinkAccount(ctx, body.AccountID); err != nil {
			s.reply(w, nil, err)
			return
		}
		s.accounts.Unlink(body.AccountID)
		RecordAudit(ctx, AuditLevelInfo, "account", "unlink", "account unlinked from user graph", map[string]any{"account_id": body.AccountID})
		s.reply(w, nil, nil)
	case "logReconcileDiscrepancy":
		var body struct {
			CanonicalEventID string `json:"canonical_event_id"`
			ChangeType       string `json:"change_type"`
			Reason           string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.reply(w, nil, actor.appendJournal(body.CanonicalEventID, "reconcile", body.ChangeType, "", body.Reason))
	default:
		respondError(w, http.StatusNotFound, "unknown operation")
	}
}

// proposeAndReply runs proposeCandidates against the external-vs-greedy
// solver selected per spec.md §4.3's threshold rule, right after session
// creation, so callers get an open session with candidates in one round
// trip instead of two.
func (s *Server) proposeAndReply(w http.ResponseWriter, ctx context.Context, actor *UserGraphActor, sess *SchedulingSession, sessErr error) {
	if sessErr != nil {
		s.reply(w, sess, sessErr)
		return
	}
	var objective SchedulingObjective
	if err := json.Unmarshal([]byte(sess.ObjectiveJSON), &objective); err != nil {
		s.reply(w, sess, err)
		return
	}
	constraints, err := actor.listConstraints()
	if err != nil {
		s.reply(w, sess, err)
		return
	}
	solver := selectSolver(s.cfg.ExternalSolverURL, len(objective.Participants), len(constraints))
	hashes := make([]string, 0, len(objective.Participants))
	for _, p := range objective.Participants {
		hashes = append(hashes, p.ParticipantHash)
	}
	history, err := actor.historyAggregates(hashes)
	if err != nil {
		s.reply(w, sess, err)
		return
	}
	start := time.Now()
	candidates, err := actor.proposeCandidates(ctx, sess.SessionID, solver, history)
	schedulingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.reply(w, sess, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"session": sess, "candidates": candidates})
}
