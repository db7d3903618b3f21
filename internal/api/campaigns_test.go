package api

import (
	"net/http"
	"testing"

	"github.com/dialvox/dialvox/internal/campaign"
	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/slot"
	"github.com/dialvox/dialvox/internal/store"
)

func TestCreateCampaign(t *testing.T) {
	t.Parallel()
	f := newFixture()

	rec := f.do("POST", "/api/v1/campaigns", map[string]any{
		"name":    "Q3 renewals",
		"agentId": "agent-1",
		"phoneId": "phone-1",
		"settings": map[string]any{
			"concurrentLimit": 5,
			"maxRetries":      2,
		},
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body)
	}
	var got campaignResponse
	if msg := decode(t, rec, &got); msg != "" {
		t.Fatalf("error = %q, want none", msg)
	}
	if got.ID != "camp-1" || got.Name != "Q3 renewals" {
		t.Errorf("campaign = %+v", got)
	}

	if f.campaigns.gotUser != "user-1" {
		t.Errorf("user = %q, want user-1", f.campaigns.gotUser)
	}
	in := f.campaigns.gotCreate
	if in.Name != "Q3 renewals" || in.AgentID != "agent-1" || in.PhoneID != "phone-1" {
		t.Errorf("create input = %+v", in)
	}
	if in.Settings.ConcurrentLimit != 5 || in.Settings.MaxRetries != 2 {
		t.Errorf("settings = %+v", in.Settings)
	}
}

func TestCreateCampaign_MalformedBody(t *testing.T) {
	t.Parallel()
	f := newFixture()

	rec := f.do("POST", "/api/v1/campaigns", map[string]any{"nmae": "typo"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if len(f.campaigns.actions) != 0 {
		t.Errorf("service reached with a malformed body: %v", f.campaigns.actions)
	}
}

func TestListCampaigns(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.campaigns.list = []*store.Campaign{testCampaign(), testCampaign()}

	rec := f.do("GET", "/api/v1/campaigns", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []campaignResponse
	decode(t, rec, &got)
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestGetCampaign(t *testing.T) {
	t.Parallel()
	f := newFixture()

	rec := f.do("GET", "/api/v1/campaigns/camp-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.campaigns.gotID != "camp-1" {
		t.Errorf("id = %q, want camp-1", f.campaigns.gotID)
	}
	var got campaignResponse
	decode(t, rec, &got)
	if got.Status != string(store.CampaignActive) {
		t.Errorf("status = %q", got.Status)
	}
}

func TestUpdateCampaign(t *testing.T) {
	t.Parallel()
	f := newFixture()

	rec := f.do("PATCH", "/api/v1/campaigns/camp-1", map[string]any{
		"name": "Q4 renewals",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	in := f.campaigns.gotUpdate
	if in.Name == nil || *in.Name != "Q4 renewals" {
		t.Errorf("name = %v, want Q4 renewals", in.Name)
	}
	if in.Settings != nil || in.ScheduledAt != nil {
		t.Errorf("untouched fields set: %+v", in)
	}
}

func TestDeleteCampaign(t *testing.T) {
	t.Parallel()
	f := newFixture()

	rec := f.do("DELETE", "/api/v1/campaigns/camp-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestAddContacts(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.campaigns.addRes = campaign.AddResult{
		Added:      2,
		Duplicates: 1,
		Errors:     []string{"row 4: phone is required"},
	}

	rec := f.do("POST", "/api/v1/campaigns/camp-1/contacts", map[string]any{
		"contacts": []map[string]any{
			{"phone": "+15550001111", "name": "Lee"},
			{"phone": "+15550002222", "priority": 3},
			{"phone": "+15550001111"},
			{"name": "no phone"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var got addContactsResponse
	decode(t, rec, &got)
	if got.Added != 2 || got.Duplicates != 1 || len(got.Errors) != 1 {
		t.Errorf("result = %+v", got)
	}

	rows := f.campaigns.gotRows
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}
	if rows[0].Phone != "+15550001111" || rows[0].Name != "Lee" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].Priority != 3 {
		t.Errorf("row 1 priority = %d, want 3", rows[1].Priority)
	}
}

func TestLifecycleRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		action string
	}{
		{"/api/v1/campaigns/camp-1/start", "start"},
		{"/api/v1/campaigns/camp-1/pause", "pause"},
		{"/api/v1/campaigns/camp-1/resume", "resume"},
		{"/api/v1/campaigns/camp-1/cancel", "cancel"},
	}

	for _, tc := range tests {
		t.Run(tc.action, func(t *testing.T) {
			t.Parallel()
			f := newFixture()

			rec := f.do("POST", tc.path, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body)
			}
			// The action runs first, then the refreshed campaign is loaded.
			if got := f.campaigns.actions; len(got) != 2 || got[0] != tc.action || got[1] != "get" {
				t.Errorf("actions = %v, want [%s get]", got, tc.action)
			}
			var got campaignResponse
			decode(t, rec, &got)
			if got.ID != "camp-1" {
				t.Errorf("campaign id = %q", got.ID)
			}
		})
	}
}

func TestRetryCampaign(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.campaigns.retryN = 7

	rec := f.do("POST", "/api/v1/campaigns/camp-1/retry", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got retryResponse
	decode(t, rec, &got)
	if got.Requeued != 7 {
		t.Errorf("requeued = %d, want 7", got.Requeued)
	}
}

func TestSetConcurrentLimit(t *testing.T) {
	t.Parallel()
	f := newFixture()

	rec := f.do("PATCH", "/api/v1/campaigns/camp-1/concurrent-limit", map[string]any{
		"concurrentLimit": 8,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if f.campaigns.gotLimit != 8 {
		t.Errorf("limit = %d, want 8", f.campaigns.gotLimit)
	}
}

func TestSetConcurrentLimit_NearSaturationIs429(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.campaigns.err = campaign.ErrNearSaturation

	rec := f.do("PATCH", "/api/v1/campaigns/camp-1/concurrent-limit", map[string]any{
		"concurrentLimit": 8,
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestPurgeCampaign(t *testing.T) {
	t.Parallel()
	f := newFixture()

	rec := f.do("DELETE", "/api/v1/campaigns/camp-1/purge", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := f.campaigns.actions; len(got) != 1 || got[0] != "purge" {
		t.Errorf("actions = %v, want [purge]", got)
	}
}

func TestCampaignStats(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.campaigns.stats = campaign.Stats{
		Campaign: testCampaign(),
		Contacts: map[store.ContactStatus]int{
			store.ContactCompleted: 3,
			store.ContactCalling:   2,
		},
		Leases: slot.Counts{Active: 2, PreDial: 1},
	}

	rec := f.do("GET", "/api/v1/campaigns/camp-1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got statsResponse
	decode(t, rec, &got)
	if got.Leases.Active != 2 || got.Leases.PreDial != 1 || got.Leases.Total != 3 {
		t.Errorf("leases = %+v", got.Leases)
	}
	if got.Contacts[store.ContactCompleted] != 3 {
		t.Errorf("contacts = %+v", got.Contacts)
	}
}

func TestCampaignProgress(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.campaigns.progress = campaign.Progress{
		Total:   10,
		Settled: 4,
		Percent: 40,
		Contacts: map[store.ContactStatus]int{
			store.ContactCompleted: 4,
			store.ContactQueued:    6,
		},
	}

	rec := f.do("GET", "/api/v1/campaigns/camp-1/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got progressResponse
	decode(t, rec, &got)
	if got.Total != 10 || got.Settled != 4 || got.Percent != 40 {
		t.Errorf("progress = %+v", got)
	}
}

func TestHangup(t *testing.T) {
	t.Parallel()
	f := newFixture()

	rec := f.do("POST", "/api/v1/campaigns/camp-1/calls/sess-9/hangup", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := f.gateway.hangups; len(got) != 1 || got[0] != [2]string{"camp-1", "sess-9"} {
		t.Errorf("hangups = %v", got)
	}
	// Ownership was checked before the gateway was touched.
	if got := f.campaigns.actions; len(got) != 1 || got[0] != "get" {
		t.Errorf("actions = %v, want [get]", got)
	}
}

func TestHangup_OwnershipCheckedFirst(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.campaigns.err = store.ErrNotOwner

	rec := f.do("POST", "/api/v1/campaigns/camp-1/calls/sess-9/hangup", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if len(f.gateway.hangups) != 0 {
		t.Errorf("gateway reached despite failed ownership check: %v", f.gateway.hangups)
	}
}

func TestHangup_NotInFlightIs409(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.gateway.err = dialer.ErrNotInFlight

	rec := f.do("POST", "/api/v1/campaigns/camp-1/calls/sess-9/hangup", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}
