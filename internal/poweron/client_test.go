package poweron

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(Config{BaseURL: ts.URL, Retries: 1, Timeout: 2 * time.Second})
}

func TestSettlementsFilterAndCaption(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pw_cities" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"hydra:member":[
			{"id":1,"name":"Тернопіль","otg":{"name":"Тернопільська"}},
			{"id":2,"name":"Теребовля","otg":null},
			{"id":3,"name":"Збараж","otg":{"name":"Збаразька"}}
		]}`)
	})

	got, err := client.Settlements(context.Background(), "тер")
	if err != nil {
		t.Fatalf("Settlements: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %v", len(got), got)
	}
	if got[0].Label != "Тернопіль (Тернопільська ОТГ)" {
		t.Errorf("caption = %q", got[0].Label)
	}
	if got[0].RawName != "Тернопіль" {
		t.Errorf("raw name = %q", got[0].RawName)
	}
	if got[1].Label != "Теребовля" {
		t.Errorf("caption without hromada = %q", got[1].Label)
	}
}

func TestSettlementsEmptyQueryReturnsAll(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"hydra:member":[{"id":1,"name":"A"},{"id":2,"name":"B"}]}`)
	})

	got, err := client.Settlements(context.Background(), "  ")
	if err != nil {
		t.Fatalf("Settlements: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected all candidates, got %d", len(got))
	}
}

func TestStreetsStripPrefixAndScope(t *testing.T) {
	var gotCityID string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCityID = r.URL.Query().Get("city.id")
		fmt.Fprint(w, `{"hydra:member":[
			{"id":10,"name":"вул. Руська"},
			{"id":11,"name":"вул. Шевченка"},
			{"id":12,"name":""}
		]}`)
	})

	got, err := client.Streets(context.Background(), 7, "руськ")
	if err != nil {
		t.Fatalf("Streets: %v", err)
	}
	if gotCityID != "7" {
		t.Errorf("city.id = %q, want 7", gotCityID)
	}
	if len(got) != 1 || got[0].Label != "Руська" {
		t.Errorf("streets = %v", got)
	}
}

func TestBuildingsCarryQueues(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"hydra:member":[
			{"id":100,"buildingName":"12","chergGpv":"3.1","chergGav":"","chergAchr":"2"},
			{"id":101,"buildingName":"12А","chergGpv":"3.2"},
			{"id":102,"buildingName":"  "}
		]}`)
	})

	got, err := client.Buildings(context.Background(), 7, 10, "12")
	if err != nil {
		t.Fatalf("Buildings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 buildings, got %d", len(got))
	}
	if got[0].Queues.GPV != "3.1" {
		t.Errorf("gpv = %q", got[0].Queues.GPV)
	}
	if got[0].Queues.GAV != "—" {
		t.Errorf("empty queue should render as dash, got %q", got[0].Queues.GAV)
	}
}

func TestLimitCapsResults(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"hydra:member":[`)
		for i := 0; i < 25; i++ {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"id":%d,"name":"Місто %d"}`, i, i)
		}
		fmt.Fprint(w, `]}`)
	})

	got, err := client.Settlements(context.Background(), "")
	if err != nil {
		t.Fatalf("Settlements: %v", err)
	}
	if len(got) != defaultLimit {
		t.Errorf("expected %d candidates, got %d", defaultLimit, len(got))
	}
}

func TestServerErrorIsUnavailable(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL, Retries: 2, Timeout: time.Second})
	_, err := client.Settlements(context.Background(), "а")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestUnreachableHostIsUnavailable(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1", Retries: 1, Timeout: time.Second})
	_, err := client.Settlements(context.Background(), "а")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestBadBodyIsFormatErrorWithoutRetry(t *testing.T) {
	attempts := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		fmt.Fprint(w, `<html>maintenance</html>`)
	})

	_, err := client.Settlements(context.Background(), "а")
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("format errors must not be retried, got %d attempts", attempts)
	}
}

func TestResolveDispatch(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pw_cities":
			fmt.Fprint(w, `{"hydra:member":[{"id":1,"name":"Київ"}]}`)
		case "/pw_streets":
			fmt.Fprint(w, `{"hydra:member":[{"id":2,"name":"вул. Хрещатик"}]}`)
		case "/pw_accounts":
			fmt.Fprint(w, `{"hydra:member":[{"id":3,"buildingName":"12"}]}`)
		default:
			http.NotFound(w, r)
		}
	})

	parent := Address{Settlement: Candidate{ID: 1}, Street: Candidate{ID: 2}}
	for _, step := range []Step{StepSettlement, StepStreet, StepBuilding} {
		got, err := client.Resolve(context.Background(), step, parent, "")
		if err != nil {
			t.Fatalf("Resolve(%s): %v", step, err)
		}
		if len(got) != 1 {
			t.Errorf("Resolve(%s) returned %d candidates", step, len(got))
		}
	}

	if _, err := client.Resolve(context.Background(), StepDone, parent, ""); err == nil {
		t.Error("Resolve(done) should fail")
	}
}
