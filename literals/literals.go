package literals

var (
	OK        = "OK"
	NOT_FOUND = "Not Found"

	RateLimitExceeded = "Rate limit exceeded. Please try again later."

	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"

	HeaderSlackSignature = "X-Slack-Signature"
	HeaderSlackTimestamp = "X-Slack-Request-Timestamp"
	HeaderSlackRetryNum  = "X-Slack-Retry-Num"

	HeaderGoogChannelID     = "X-Goog-Channel-ID"
	HeaderGoogChannelToken  = "X-Goog-Channel-Token"
	HeaderGoogResourceID    = "X-Goog-Resource-ID"
	HeaderGoogResourceState = "X-Goog-Resource-State"
	HeaderGoogResourceURI   = "X-Goog-Resource-URI"
	HeaderGoogMessageNumber = "X-Goog-Message-Number"
	HeaderGoogChanged       = "X-Goog-Changed"

	HeaderDebugToken = "X-Debug-Token"

	SLACK_URL_VERIFICATION = "url_verification"
	SLACK_EVENT_CALLBACK   = "event_callback"
	SLACK_MESSAGE          = "message"
)
