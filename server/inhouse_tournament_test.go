package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTournamentClient(t *testing.T, handler http.Handler) *TournamentClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	config := NewRiotConfig()
	config.BaseURL = server.URL + "/lol/tournament-stub/v5"
	config.APIKey = "RGAPI-test"
	config.RequestsPerSec = 100
	return NewTournamentClient(zap.NewNop(), NoopMetrics{}, config)
}

func TestTournamentClient_CreateBO3Codes(t *testing.T) {
	var codeBody tournamentCodeRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/lol/tournament-stub/v5/providers", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "RGAPI-test", r.Header.Get("X-Riot-Token"))
		var body tournamentProviderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "KR", body.Region)
		_, _ = w.Write([]byte("17"))
	})
	mux.HandleFunc("/lol/tournament-stub/v5/tournaments", func(w http.ResponseWriter, r *http.Request) {
		var body tournamentRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(17), body.ProviderID)
		_, _ = w.Write([]byte("42"))
	})
	mux.HandleFunc("/lol/tournament-stub/v5/codes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("count"))
		assert.Equal(t, "42", r.URL.Query().Get("tournamentId"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&codeBody))
		_, _ = w.Write([]byte(`["KR-1","KR-2","KR-3"]`))
	})

	client := newTestTournamentClient(t, mux)
	codes, err := client.CreateBO3Codes(context.Background(), "guild:1,channel:2,user:3")
	require.NoError(t, err)
	assert.Equal(t, []string{"KR-1", "KR-2", "KR-3"}, codes)
	assert.Equal(t, tournamentCodeRequest{
		MapType:       "SUMMONERS_RIFT",
		PickType:      "TOURNAMENT_DRAFT",
		SpectatorType: "ALL",
		TeamSize:      5,
		Metadata:      "guild:1,channel:2,user:3",
	}, codeBody)

	msg := TournamentCodesMessage(codes, "KR")
	assert.Contains(t, msg, "**Game 2** : `KR-2`")
	assert.Contains(t, msg, "- 서버: **KR**")
}

func TestTournamentClient_ErrorMapping(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		client := newTestTournamentClient(t, http.NotFoundHandler())
		client.config.APIKey = ""
		_, err := client.CreateBO3Codes(context.Background(), "")
		assert.True(t, RemoteAPIErrorIs(err, RemoteAPIMissingKey))
		assert.Contains(t, TournamentErrorMessage(err), "RIOT_API_KEY")
	})

	t.Run("forbidden", func(t *testing.T) {
		client := newTestTournamentClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"status":{"message":"Forbidden","status_code":403}}`, http.StatusForbidden)
		}))
		_, err := client.CreateBO3Codes(context.Background(), "")
		require.Error(t, err)
		assert.True(t, RemoteAPIErrorIs(err, RemoteAPIForbidden))
		assert.Contains(t, TournamentErrorMessage(err), "403 Forbidden")
	})

	t.Run("other status", func(t *testing.T) {
		client := newTestTournamentClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		_, err := client.CreateBO3Codes(context.Background(), "")
		var remoteErr *RemoteAPIError
		require.ErrorAs(t, err, &remoteErr)
		assert.Equal(t, RemoteAPIOther, remoteErr.Kind)
		assert.Equal(t, http.StatusTooManyRequests, remoteErr.StatusCode)
		assert.Equal(t, "토너먼트 코드 생성 중 오류가 발생했습니다.", TournamentErrorMessage(err))
	})

	t.Run("short code list", func(t *testing.T) {
		client := newTestTournamentClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/lol/tournament-stub/v5/codes" {
				_, _ = w.Write([]byte(`["KR-1"]`))
				return
			}
			_, _ = w.Write([]byte("1"))
		}))
		_, err := client.CreateBO3Codes(context.Background(), "")
		assert.True(t, RemoteAPIErrorIs(err, RemoteAPIOther))
	})
}
