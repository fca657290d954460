package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchStageHistoryFollowsPagination(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Path != "/v1/deals/42/flow" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("api_token") != "secret" {
			t.Fatalf("expected api_token to be sent")
		}

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("start") {
		case "0":
			fmt.Fprint(w, `{
				"success": true,
				"data": [
					{"object": "dealChange", "data": {
						"id": 9001, "item_id": 42, "field_key": "stage_id", "new_value": "3",
						"log_time": "2024-01-01 10:00:00",
						"additional_data": {"pipeline_id": 2, "new_value_formatted": "Qualified"}
					}},
					{"object": "note", "data": {"id": 1}}
				],
				"additional_data": {"pagination": {"more_items_in_collection": true, "next_start": 2}}
			}`)
		case "2":
			fmt.Fprint(w, `{
				"success": true,
				"data": [
					{"object": "dealChange", "data": {
						"id": 9002, "item_id": 42, "field_key": "value", "new_value": "1500",
						"log_time": "2024-01-02T08:30:00Z",
						"additional_data": {}
					}}
				],
				"additional_data": {"pagination": {"more_items_in_collection": false}}
			}`)
		default:
			t.Fatalf("unexpected start %s", r.URL.Query().Get("start"))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", 0)
	events, err := client.FetchStageHistory(context.Background(), 42)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if requests != 2 {
		t.Fatalf("expected 2 paginated requests, got %d", requests)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 dealChange events, got %d", len(events))
	}

	first := events[0]
	if first.EventID != "9001" || first.StageID != 3 || first.PipelineID != 2 || first.StageName != "Qualified" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if !first.IsStageChange() {
		t.Fatalf("expected stage_id change to be a stage change")
	}
	if !first.OccurredAt.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", first.OccurredAt)
	}

	if events[1].IsStageChange() {
		t.Fatalf("value change must not be a stage change")
	}
}

func TestFetchStageHistoryToleratesNonNumericChanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Flow histories mix stage changes with other field changes whose
		// new_value is free text or a bare number.
		fmt.Fprint(w, `{
			"success": true,
			"data": [
				{"object": "dealChange", "data": {
					"id": 9101, "item_id": 7, "field_key": "status", "new_value": "lost",
					"log_time": "2024-01-01 09:00:00",
					"additional_data": {}
				}},
				{"object": "dealChange", "data": {
					"id": 9102, "item_id": 7, "field_key": "stage_id", "new_value": 4,
					"log_time": "2024-01-01 10:00:00",
					"additional_data": {"pipeline_id": 1, "new_value_formatted": "Negotiation"}
				}}
			],
			"additional_data": {"pagination": {"more_items_in_collection": false}}
		}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 0)
	events, err := client.FetchStageHistory(context.Background(), 7)
	if err != nil {
		t.Fatalf("fetch failed on mixed field changes: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected both changes returned, got %d", len(events))
	}

	if events[0].IsStageChange() || events[0].StageID != 0 {
		t.Fatalf("status change must not parse as a stage change: %+v", events[0])
	}
	if !events[1].IsStageChange() || events[1].StageID != 4 {
		t.Fatalf("unexpected stage change event: %+v", events[1])
	}
}

func TestListDealsUpdatedSinceStopsAtCutoff(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		// Newest-first listing; deal 3 is older than the cutoff.
		fmt.Fprint(w, `{
			"success": true,
			"data": [
				{"id": 1, "update_time": "2024-06-01 12:00:00"},
				{"id": 2, "update_time": "2024-06-01 09:00:00"},
				{"id": 3, "update_time": "2024-05-20 00:00:00"}
			],
			"additional_data": {"pagination": {"more_items_in_collection": true, "next_start": 3}}
		}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 0)
	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	dealIDs, err := client.ListDealsUpdatedSince(context.Background(), since)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(dealIDs) != 2 || dealIDs[0] != 1 || dealIDs[1] != 2 {
		t.Fatalf("expected deals [1 2], got %v", dealIDs)
	}
	if requests != 1 {
		t.Fatalf("expected paging to stop at cutoff, got %d requests", requests)
	}
}

func TestListAllDealIDsPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("start") {
		case "0":
			fmt.Fprint(w, `{
				"success": true,
				"data": [{"id": 1, "update_time": "2024-06-01 12:00:00"}, {"id": 2, "update_time": "2024-06-01 11:00:00"}],
				"additional_data": {"pagination": {"more_items_in_collection": true, "next_start": 2}}
			}`)
		default:
			fmt.Fprint(w, `{
				"success": true,
				"data": [{"id": 3, "update_time": "2024-06-01 10:00:00"}],
				"additional_data": {"pagination": {"more_items_in_collection": false}}
			}`)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 0)
	dealIDs, err := client.ListAllDealIDs(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(dealIDs) != 3 {
		t.Fatalf("expected 3 deals, got %v", dealIDs)
	}
}

func TestClientSurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"success": false, "error": "rate limit exceeded"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 0)
	if _, err := client.FetchStageHistory(context.Background(), 42); err == nil {
		t.Fatalf("expected error on 429 response")
	}
}
