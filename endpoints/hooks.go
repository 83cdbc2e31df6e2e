package endpoints

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/arturoeanton/nflow-automate/literals"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/arturoeanton/nflow-automate/ratelimit"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

const (
	maxHookBody = 1 << 20
	// slackMaxSkew rejects replays of signed requests.
	slackMaxSkew = 5 * time.Minute
)

var (
	errBadSignature = errors.New("invalid slack signature")
	errStaleRequest = errors.New("slack request timestamp out of range")
)

type slackEnvelope struct {
	Type           string `json:"type"`
	Challenge      string `json:"challenge"`
	TeamID         string `json:"team_id"`
	EventID        string `json:"event_id"`
	EventTime      int64  `json:"event_time"`
	Authorizations []struct {
		UserID string `json:"user_id"`
		IsBot  bool   `json:"is_bot"`
	} `json:"authorizations"`
	AuthedUsers []string   `json:"authed_users"`
	Event       slackEvent `json:"event"`
}

type slackEvent struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type"`
	User        string `json:"user"`
	BotID       string `json:"bot_id"`
	Text        string `json:"text"`
	TS          string `json:"ts"`
	Team        string `json:"team"`
}

// ignoredSubtypes are message events that are not new messages.
var ignoredSubtypes = map[string]bool{
	"message_changed":   true,
	"message_deleted":   true,
	"channel_join":      true,
	"channel_leave":     true,
	"message_replied":   true,
	"channel_topic":     true,
	"channel_purpose":   true,
	"group_join":        true,
	"ekm_access_denied": true,
}

func (s *Server) registerHooks(e *echo.Echo) {
	hooks := e.Group("/hooks")
	hooks.POST("/slack/events", s.handleSlackEvents)
	hooks.POST("/drive", s.handleDriveNotification,
		ratelimit.Middleware(&s.config.RateLimitConfig, s.limiter, ratelimit.HeaderKey(literals.HeaderGoogChannelToken)))
}

// verifySlackSignature checks the v0 signing scheme:
// v0=hex(hmac_sha256(secret, "v0:" + timestamp + ":" + body)).
func verifySlackSignature(secret string, header http.Header, body []byte, now time.Time) error {
	ts := header.Get(literals.HeaderSlackTimestamp)
	sig := header.Get(literals.HeaderSlackSignature)
	if ts == "" || sig == "" {
		return errBadSignature
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errBadSignature
	}
	if d := now.Sub(time.Unix(sec, 0)); d > slackMaxSkew || d < -slackMaxSkew {
		return errStaleRequest
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errBadSignature
	}
	return nil
}

// slackTime converts a message ts ("1700000000.000100") to a time.
func slackTime(ts string) (time.Time, bool) {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f <= 0 {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

func (s *Server) handleSlackEvents(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxHookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}

	if secret := s.config.SlackConfig.SigningSecret; secret != "" {
		if err := verifySlackSignature(secret, c.Request().Header, body, time.Now()); err != nil {
			logger.Warn("slack request rejected", logger.Err(err))
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": err.Error()})
		}
	}

	var env slackEnvelope
	if err := sonic.Unmarshal(body, &env); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid json"})
	}

	switch env.Type {
	case literals.SLACK_URL_VERIFICATION:
		return c.JSON(http.StatusOK, echo.Map{"challenge": env.Challenge})
	case literals.SLACK_EVENT_CALLBACK:
	default:
		return c.NoContent(http.StatusOK)
	}

	if env.Event.Type != literals.SLACK_MESSAGE || ignoredSubtypes[env.Event.Subtype] {
		return c.NoContent(http.StatusOK)
	}

	if ok, err := ratelimit.Check(c, &s.config.RateLimitConfig, s.limiter, env.TeamID); !ok {
		return err
	}

	event := slackMessageEvent(env)
	logger.Verbose("slack message received", "event", event.ID, "team", env.TeamID, "channel", env.Event.Channel,
		"retry", c.Request().Header.Get(literals.HeaderSlackRetryNum))
	s.dispatch(event)
	return c.NoContent(http.StatusOK)
}

func slackMessageEvent(env slackEnvelope) model.Event {
	msg := model.SlackMessage{
		TeamID:      env.TeamID,
		Channel:     env.Event.Channel,
		ChannelType: env.Event.ChannelType,
		User:        env.Event.User,
		BotID:       env.Event.BotID,
		Text:        env.Event.Text,
		TS:          env.Event.TS,
	}
	if msg.TeamID == "" {
		msg.TeamID = env.Event.Team
	}
	for _, a := range env.Authorizations {
		msg.AuthorizedUsers = append(msg.AuthorizedUsers, a.UserID)
	}
	if len(msg.AuthorizedUsers) == 0 {
		msg.AuthorizedUsers = env.AuthedUsers
	}

	at, ok := slackTime(env.Event.TS)
	if !ok && env.EventTime > 0 {
		at = time.Unix(env.EventTime, 0)
	}
	return model.Event{
		ID:            env.EventID,
		Connector:     model.ConnectorSlackTrigger,
		CredentialKey: msg.TeamID,
		Timestamp:     at,
		Payload:       msg,
	}
}

// handleDriveNotification turns a Drive push notification into an event.
// The body is empty; everything is in the X-Goog-* headers. The "sync"
// message sent when a channel opens only needs an acknowledgement.
func (s *Server) handleDriveNotification(c echo.Context) error {
	h := c.Request().Header
	change := model.DriveChange{
		ChannelID:     h.Get(literals.HeaderGoogChannelID),
		ResourceID:    h.Get(literals.HeaderGoogResourceID),
		ResourceState: h.Get(literals.HeaderGoogResourceState),
		ResourceURI:   h.Get(literals.HeaderGoogResourceURI),
		MessageNumber: h.Get(literals.HeaderGoogMessageNumber),
		Changed:       h.Get(literals.HeaderGoogChanged),
	}
	if change.ChannelID == "" || change.ResourceState == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing drive notification headers"})
	}
	if change.ResourceState == "sync" {
		return c.NoContent(http.StatusOK)
	}

	event := model.Event{
		ID:            change.ChannelID + ":" + change.MessageNumber,
		Connector:     model.ConnectorDriveTrigger,
		CredentialKey: h.Get(literals.HeaderGoogChannelToken),
		Timestamp:     time.Now(),
		Payload:       change,
	}
	if change.MessageNumber == "" {
		event.ID = ""
	}
	logger.Verbose("drive notification received", "channel", change.ChannelID, "state", change.ResourceState)
	s.dispatch(event)
	return c.NoContent(http.StatusOK)
}
