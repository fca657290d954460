// Package crm is a thin Pipedrive API client covering the three calls the
// sync engine needs: a deal's flow (change history), recently updated
// deals, and the full deal listing. Request pacing against the CRM's rate
// limit lives here, not in the sync engine.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"salesflow/services/dealflow/internal/flow"
)

const defaultPageSize = 100

type Client struct {
	baseURL    string
	apiToken   string
	pageSize   int
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(baseURL, apiToken string, requestsPerSec float64) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.pipedrive.com"
	}

	var limiter *rate.Limiter
	if requestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSec), 1)
	}

	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		pageSize: defaultPageSize,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: limiter,
	}
}

type pagination struct {
	Start                 int  `json:"start"`
	Limit                 int  `json:"limit"`
	MoreItemsInCollection bool `json:"more_items_in_collection"`
	NextStart             int  `json:"next_start"`
}

type additionalData struct {
	Pagination pagination `json:"pagination"`
}

type flowResponse struct {
	Success        bool           `json:"success"`
	Data           []flowItem     `json:"data"`
	AdditionalData additionalData `json:"additional_data"`
}

type flowItem struct {
	Object string     `json:"object"`
	Data   flowChange `json:"data"`
}

type flowChange struct {
	ID       int64  `json:"id"`
	ItemID   int    `json:"item_id"`
	FieldKey string `json:"field_key"`

	// new_value carries whatever type the changed field holds: a number
	// for stage changes, free text for status or title changes. Kept raw
	// so one odd field change cannot fail the whole deal's fetch.
	NewValue       json.RawMessage `json:"new_value"`
	LogTime        string          `json:"log_time"`
	AdditionalData struct {
		PipelineID        int    `json:"pipeline_id"`
		NewValueFormatted string `json:"new_value_formatted"`
	} `json:"additional_data"`
}

type dealsResponse struct {
	Success        bool           `json:"success"`
	Data           []dealSummary  `json:"data"`
	AdditionalData additionalData `json:"additional_data"`
}

type dealSummary struct {
	ID         int    `json:"id"`
	UpdateTime string `json:"update_time"`
}

// FetchStageHistory returns every dealChange record in a deal's flow,
// across all pages. Filtering to stage changes is the normalizer's job.
func (c *Client) FetchStageHistory(ctx context.Context, dealID int) ([]flow.RawStageChangeEvent, error) {
	events := make([]flow.RawStageChangeEvent, 0)
	start := 0

	for {
		response := flowResponse{}
		path := fmt.Sprintf("/v1/deals/%d/flow", dealID)
		if err := c.get(ctx, path, start, &response); err != nil {
			return nil, fmt.Errorf("fetch flow for deal %d: %w", dealID, err)
		}

		for _, item := range response.Data {
			if item.Object != "dealChange" {
				continue
			}

			occurredAt, err := parseCRMTime(item.Data.LogTime)
			if err != nil {
				return nil, fmt.Errorf("deal %d change %d: bad log_time %q: %w", dealID, item.Data.ID, item.Data.LogTime, err)
			}

			stageID := 0
			if item.Data.FieldKey == flow.FieldKeyStageID {
				stageID = parseStageID(item.Data.NewValue)
			}

			events = append(events, flow.RawStageChangeEvent{
				EventID:    strconv.FormatInt(item.Data.ID, 10),
				DealID:     dealID,
				FieldKey:   item.Data.FieldKey,
				StageID:    stageID,
				PipelineID: item.Data.AdditionalData.PipelineID,
				StageName:  item.Data.AdditionalData.NewValueFormatted,
				OccurredAt: occurredAt,
			})
		}

		if !response.AdditionalData.Pagination.MoreItemsInCollection {
			return events, nil
		}
		start = response.AdditionalData.Pagination.NextStart
	}
}

// ListDealsUpdatedSince returns IDs of deals whose CRM update time falls at
// or after the cutoff. The listing is requested newest-first, so paging
// stops at the first deal older than the cutoff.
func (c *Client) ListDealsUpdatedSince(ctx context.Context, since time.Time) ([]int, error) {
	dealIDs := make([]int, 0)
	start := 0

	for {
		response := dealsResponse{}
		if err := c.get(ctx, "/v1/deals", start, &response); err != nil {
			return nil, fmt.Errorf("list updated deals: %w", err)
		}

		for _, deal := range response.Data {
			updatedAt, err := parseCRMTime(deal.UpdateTime)
			if err != nil {
				return nil, fmt.Errorf("deal %d: bad update_time %q: %w", deal.ID, deal.UpdateTime, err)
			}
			if updatedAt.Before(since) {
				return dealIDs, nil
			}
			dealIDs = append(dealIDs, deal.ID)
		}

		if !response.AdditionalData.Pagination.MoreItemsInCollection {
			return dealIDs, nil
		}
		start = response.AdditionalData.Pagination.NextStart
	}
}

func (c *Client) ListAllDealIDs(ctx context.Context) ([]int, error) {
	dealIDs := make([]int, 0)
	start := 0

	for {
		response := dealsResponse{}
		if err := c.get(ctx, "/v1/deals", start, &response); err != nil {
			return nil, fmt.Errorf("list all deals: %w", err)
		}

		for _, deal := range response.Data {
			dealIDs = append(dealIDs, deal.ID)
		}

		if !response.AdditionalData.Pagination.MoreItemsInCollection {
			return dealIDs, nil
		}
		start = response.AdditionalData.Pagination.NextStart
	}
}

func (c *Client) get(ctx context.Context, path string, start int, target any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	query := url.Values{}
	query.Set("start", strconv.Itoa(start))
	query.Set("limit", strconv.Itoa(c.pageSize))
	if path == "/v1/deals" {
		query.Set("sort", "update_time DESC")
	}
	if c.apiToken != "" {
		query.Set("api_token", c.apiToken)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		rawBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("crm status=%d body=%s", response.StatusCode, strings.TrimSpace(string(rawBody)))
	}

	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decode crm response: %w", err)
	}

	return nil
}

// parseStageID reads a stage change's new_value, which the CRM delivers
// either as a bare number or as a quoted numeric string.
func parseStageID(raw json.RawMessage) int {
	value := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	stageID, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return stageID
}

// parseCRMTime accepts both RFC3339 and Pipedrive's "2006-01-02 15:04:05"
// (implicitly UTC) timestamp formats.
func parseCRMTime(value string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}
