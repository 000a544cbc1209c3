package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newSectionTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/dashboard/sections", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-abc" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		result := &GetSectionsResult{
			Sections: []*SectionRecord{
				{
					SectionKey: "preferences",
					Content:    json.RawMessage(`{"pinned":["files"]}`),
					Version:    7,
					UpdatedBy:  "user-1",
				},
			},
		}
		json.NewEncoder(w).Encode(result)
	})
	mux.HandleFunc("/dashboard/sections/save", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-abc" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		args := &SaveSectionArgs{}
		if err := json.NewDecoder(r.Body).Decode(args); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if args.BaseVersion != 7 {
			json.NewEncoder(w).Encode(&SaveSectionResult{
				Conflict: &SaveSectionConflict{
					Content:   json.RawMessage(`{"pinned":["mail"]}`),
					Version:   7,
					UpdatedBy: "user-2",
				},
			})
			return
		}
		json.NewEncoder(w).Encode(&SaveSectionResult{
			Version: args.BaseVersion + 1,
		})
	})
	return httptest.NewServer(mux)
}

func TestHttpSectionApiGetSections(t *testing.T) {
	ctx := context.Background()

	server := newSectionTestServer(t)
	defer server.Close()

	api := NewHttpSectionApi(ctx, server.URL, NewStaticTokenProvider("token-abc"))
	defer api.Close()

	result, err := api.GetSectionsSync(ctx, "dock")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(result.Sections), 1)
	assert.Equal(t, result.Sections[0].SectionKey, "preferences")
	assert.Equal(t, result.Sections[0].Version, int64(7))
}

func TestHttpSectionApiSaveSection(t *testing.T) {
	ctx := context.Background()

	server := newSectionTestServer(t)
	defer server.Close()

	api := NewHttpSectionApi(ctx, server.URL, NewStaticTokenProvider("token-abc"))
	defer api.Close()

	result, err := api.SaveSectionSync(ctx, &SaveSectionArgs{
		SectionType: "dock",
		SectionKey:  "preferences",
		Content:     json.RawMessage(`{"pinned":[]}`),
		BaseVersion: 7,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Version, int64(8))
	assert.Equal(t, result.Conflict, nil)
}

func TestHttpSectionApiSaveConflict(t *testing.T) {
	ctx := context.Background()

	server := newSectionTestServer(t)
	defer server.Close()

	api := NewHttpSectionApi(ctx, server.URL, NewStaticTokenProvider("token-abc"))
	defer api.Close()

	// a stale base is answered with the authoritative snapshot, not an error
	result, err := api.SaveSectionSync(ctx, &SaveSectionArgs{
		SectionType: "dock",
		SectionKey:  "preferences",
		Content:     json.RawMessage(`{"pinned":[]}`),
		BaseVersion: 5,
	})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, result.Conflict, nil)
	assert.Equal(t, result.Conflict.Version, int64(7))
	assert.Equal(t, result.Conflict.UpdatedBy, "user-2")
}

func TestHttpSectionApiAuthError(t *testing.T) {
	ctx := context.Background()

	server := newSectionTestServer(t)
	defer server.Close()

	api := NewHttpSectionApi(ctx, server.URL, NewStaticTokenProvider("wrong-token"))
	defer api.Close()

	_, err := api.GetSectionsSync(ctx, "dock")
	assert.Equal(t, IsAuthError(err), true)
}

func TestHttpSectionApiAsyncCallback(t *testing.T) {
	ctx := context.Background()

	server := newSectionTestServer(t)
	defer server.Close()

	api := NewHttpSectionApi(ctx, server.URL, NewStaticTokenProvider("token-abc"))
	defer api.Close()

	callback, c := NewBlockingApiCallback[*GetSectionsResult]()
	api.GetSections("dock", callback)

	select {
	case result := <-c:
		assert.Equal(t, result.Error, nil)
		assert.Equal(t, len(result.Result.Sections), 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for callback")
	}
}

func TestHttpSectionApiAsyncSave(t *testing.T) {
	ctx := context.Background()

	server := newSectionTestServer(t)
	defer server.Close()

	api := NewHttpSectionApi(ctx, server.URL, NewStaticTokenProvider("token-abc"))
	defer api.Close()

	callback, c := NewBlockingApiCallback[*SaveSectionResult]()
	api.SaveSection(&SaveSectionArgs{
		EditId:      NewId(),
		SectionType: "dock",
		SectionKey:  "preferences",
		Content:     json.RawMessage(`{"pinned":[]}`),
		BaseVersion: 7,
	}, callback)

	select {
	case result := <-c:
		assert.Equal(t, result.Error, nil)
		assert.Equal(t, result.Result.Version, int64(8))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for callback")
	}
}
