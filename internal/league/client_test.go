// internal/league/client_test.go
package league

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thboss/pugbot/internal/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestLeaderboardFillsRatingsPreservingOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/leaderboard", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"players": []map[string]string{
				{"steamId": "s1", "average_rating": "1.50"},
				{"steamId": "s2", "average_rating": "2.25"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	out, err := c.Leaderboard(context.Background(), []models.Player{
		{UserID: "a", SteamID: "s2"},
		{UserID: "b", SteamID: "s1"},
		{UserID: "c", SteamID: "unknown"},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 2.25, out[0].Rating)
	assert.Equal(t, 1.5, out[1].Rating)
	assert.Zero(t, out[2].Rating)
}

func TestAllocateAndCreateMatchNoIdleServers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/servers/myservers", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"servers": []map[string]interface{}{
				{"id": 1, "ip_string": "10.0.0.1", "port": 27015, "in_use": true},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	_, err := c.AllocateAndCreateMatch(context.Background(), Auth{}, nil, nil, nil, models.Map{})
	assert.ErrorIs(t, err, ErrNoServers)
}

func TestMatchScoreboardEmptyMeansNoRounds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"team1_score": 0, "team2_score": 0, "players": []interface{}{},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	sb, err := c.MatchScoreboard(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, sb)
}

func TestMatchesStatusMapsLiveness(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"matches": []map[string]interface{}{
				{"id": 7, "live": true},
				{"id": 8, "live": false},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	statuses, err := c.MatchesStatus(context.Background(), Auth{UserID: 1, APIKey: "k"})
	require.NoError(t, err)
	assert.True(t, statuses[7])
	assert.False(t, statuses[8])
}

func TestDoRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, testLogger())
	_, err := c.IsUser(context.Background(), "a")
	assert.ErrorContains(t, err, "unexpected status 403")
}

func TestConnectStrings(t *testing.T) {
	s := MatchServer{ID: 1, IP: "10.0.0.1", Port: 27015}
	assert.Equal(t, "steam://connect/10.0.0.1:27015", s.ConnectURL())
	assert.Equal(t, "connect 10.0.0.1:27015", s.ConnectCommand())
}
