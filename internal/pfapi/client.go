package pfapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/lachwilkes/raceday/internal/domain"
)

// DateLayout is the ISO calendar date format used throughout the importer.
const DateLayout = "2006-01-02"

// Config holds configuration for the racing data API client.
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	FutureHorizonDays int
}

// Client issues authenticated requests to the upstream racing data API and
// parses responses into meeting records. It performs exactly one outbound
// call per invocation; retry policy belongs to the orchestrator.
type Client struct {
	http    *resty.Client
	baseURL string
	apiKey  string
	horizon int
	now     func() time.Time
}

// NewClient creates a new API client.
// Parameters:
//   - cfg: client configuration; BaseURL and APIKey are required.
// Returns:
//   - *Client: initialized client.
func NewClient(cfg *Config) *Client {
	client := resty.New()
	client.SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	} else {
		client.SetTimeout(30 * time.Second)
	}

	horizon := cfg.FutureHorizonDays
	if horizon <= 0 {
		horizon = 14
	}

	return &Client{
		http:    client,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		horizon: horizon,
		now:     time.Now,
	}
}

// meetingsEnvelope mirrors the upstream response shape. Records are kept as
// raw JSON so each meeting retains its original payload for audit.
type meetingsEnvelope struct {
	PayLoad []json.RawMessage `json:"payLoad"`
}

// meetingPayload is the subset of upstream fields the importer tracks.
type meetingPayload struct {
	MeetingID json.Number `json:"meetingId"`
	Track     struct {
		Name     string      `json:"name"`
		TrackID  json.Number `json:"trackId"`
		State    string      `json:"state"`
		Location string      `json:"location"`
		Abbrev   string      `json:"abbrev"`
	} `json:"track"`
	Stage             string `json:"stage"`
	TABMeeting        bool   `json:"tabMeeting"`
	RailPosition      string `json:"railPosition"`
	ExpectedCondition string `json:"expectedCondition"`
	IsBarrierTrial    bool   `json:"isBarrierTrial"`
	IsJumps           bool   `json:"isJumps"`
	HasSectionals     bool   `json:"hasSectionals"`
	FormUpdated       string `json:"formUpdated"`
	ResultsUpdated    string `json:"resultsUpdated"`
	SectionalsUpdated string `json:"sectionalsUpdated"`
	RatingsUpdated    string `json:"ratingsUpdated"`
}

// FetchResult is the outcome of one meetings fetch.
type FetchResult struct {
	Meetings []domain.Meeting
	// Dropped counts records that failed per-record validation. These are
	// non-fatal and simply reduce the fetched set.
	Dropped int
	// Raw is the full response body, retained for the audit archive.
	Raw []byte
}

// FetchMeetings fetches all meetings for the given date.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - date: target calendar date in ISO YYYY-MM-DD format.
// Returns:
//   - *FetchResult: parsed meetings plus per-record drop count.
//   - error: *APIError classified as auth, rate limit, unavailable,
//     malformed, or date horizon.
func (c *Client) FetchMeetings(ctx context.Context, date string) (*FetchResult, error) {
	if err := c.validateDate(date); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("meetingDate", date).
		SetQueryParam("apiKey", c.apiKey).
		Get(c.baseURL + "/form/meetingslist")
	if err != nil {
		return nil, &APIError{Kind: ErrUnavailable, Detail: err.Error()}
	}

	if apiErr := classifyStatus(resp); apiErr != nil {
		return nil, apiErr
	}

	body := resp.Body()
	var envelope meetingsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &APIError{Kind: ErrMalformed, Status: resp.StatusCode(), Detail: err.Error()}
	}

	result := &FetchResult{Raw: body}
	for _, raw := range envelope.PayLoad {
		meeting, ok := parseMeeting(raw, date)
		if !ok {
			result.Dropped++
			continue
		}
		result.Meetings = append(result.Meetings, meeting)
	}

	return result, nil
}

// Connectivity is the result of a lightweight health probe.
type Connectivity struct {
	Reachable    bool   `json:"reachable"`
	LatencyMs    int64  `json:"latency_ms"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	MeetingCount int    `json:"meeting_count"`
	TestDate     string `json:"test_date"`
	Error        string `json:"error,omitempty"`
}

// CheckConnectivity probes the source with tomorrow's meetings list without
// running a full import.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - *Connectivity: probe outcome; never nil.
func (c *Client) CheckConnectivity(ctx context.Context) *Connectivity {
	testDate := c.now().AddDate(0, 0, 1).Format(DateLayout)
	probe := &Connectivity{TestDate: testDate}

	start := time.Now()
	result, err := c.FetchMeetings(ctx, testDate)
	probe.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		probe.Error = err.Error()
		if apiErr, ok := err.(*APIError); ok {
			probe.HTTPStatus = apiErr.Status
		}
		return probe
	}

	probe.Reachable = true
	probe.HTTPStatus = 200
	probe.MeetingCount = len(result.Meetings)
	return probe
}

// validateDate checks the date format and the configured future horizon.
func (c *Client) validateDate(date string) error {
	parsed, err := time.Parse(DateLayout, date)
	if err != nil {
		return &APIError{Kind: ErrDateHorizon, Detail: fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", date)}
	}

	limit := c.now().UTC().AddDate(0, 0, c.horizon)
	if parsed.After(limit) {
		return &APIError{
			Kind:   ErrDateHorizon,
			Detail: fmt.Sprintf("date %s is more than %d days in the future", date, c.horizon),
		}
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy.
func classifyStatus(resp *resty.Response) *APIError {
	status := resp.StatusCode()
	switch {
	case status == 200:
		return nil
	case status == 401 || status == 403:
		return &APIError{Kind: ErrAuth, Status: status, Detail: string(resp.Body())}
	case status == 429:
		return &APIError{Kind: ErrRateLimited, Status: status, Detail: string(resp.Body())}
	default:
		return &APIError{Kind: ErrUnavailable, Status: status, Detail: string(resp.Body())}
	}
}

// parseMeeting validates and converts one raw record. Records missing the
// identifier or venue are dropped, not fatal.
func parseMeeting(raw json.RawMessage, date string) (domain.Meeting, bool) {
	var payload meetingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Meeting{}, false
	}

	meetingID := payload.MeetingID.String()
	if meetingID == "" || meetingID == "0" || payload.Track.Name == "" {
		return domain.Meeting{}, false
	}

	return domain.Meeting{
		SourceMeetingID: meetingID,
		MeetingDate:     date,
		Venue:           payload.Track.Name,
		TrackInfo: domain.JSONMap{
			"track_id":           payload.Track.TrackID.String(),
			"state":              payload.Track.State,
			"location":           payload.Track.Location,
			"abbreviation":       payload.Track.Abbrev,
			"stage":              payload.Stage,
			"tab_meeting":        strconv.FormatBool(payload.TABMeeting),
			"rail_position":      payload.RailPosition,
			"expected_condition": payload.ExpectedCondition,
			"is_barrier_trial":   strconv.FormatBool(payload.IsBarrierTrial),
			"is_jumps":           strconv.FormatBool(payload.IsJumps),
			"has_sectionals":     strconv.FormatBool(payload.HasSectionals),
			"form_updated":       payload.FormUpdated,
			"results_updated":    payload.ResultsUpdated,
			"sectionals_updated": payload.SectionalsUpdated,
			"ratings_updated":    payload.RatingsUpdated,
		},
		RawPayload:  string(raw),
		PayloadHash: payloadDigest(raw),
	}, true
}

// payloadDigest is the equality shortcut used by reconciliation: two
// observations with the same digest are field-for-field identical.
func payloadDigest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
