package intent

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"wabridge/internal/domain"
	"wabridge/internal/httpclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(Config{
		ProjectID:  "proj",
		AgentID:    "agent-1",
		Location:   "us-central1",
		Endpoint:   srv.URL,
		Tokens:     oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}),
		HTTPClient: srv.Client(),
		Retry:      httpclient.NoRetry,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestBuildSessionID(t *testing.T) {
	assert.Equal(t, "meta-whatsapp-12345678", BuildSessionID("meta-whatsapp", "+1 234-5678"))
	assert.Equal(t, "meta-whatsapp-15551234567", BuildSessionID(DefaultSessionPrefix, "15551234567"))
	assert.Equal(t, "x-", BuildSessionID("x", "+ -"))
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "https://dialogflow.googleapis.com", Endpoint("global"))
	assert.Equal(t, "https://dialogflow.googleapis.com", Endpoint(""))
	assert.Equal(t, "https://europe-west1-dialogflow.googleapis.com", Endpoint("europe-west1"))
}

func TestNewClient_RequiresAgent(t *testing.T) {
	_, err := NewClient(Config{Location: "global", Tokens: oauth2.StaticTokenSource(&oauth2.Token{})})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project id, agent id")

	_, err = NewClient(Config{ProjectID: "p", AgentID: "a", Location: "global"})
	assert.Error(t, err)
}

func TestDetectIntent(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/projects/proj/locations/us-central1/agents/agent-1/sessions/meta-whatsapp-15551234567:detectIntent", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{
			"queryResult": {
				"responseMessages": [
					{"text": {"text": ["Hello!", "How can I help?"]}},
					{"payload": {"custom": true}}
				],
				"intent": {"displayName": "greeting"},
				"intentDetectionConfidence": 0.92,
				"parameters": {"name": "Ana"},
				"match": {"matchType": "INTENT", "confidence": 0.92}
			}
		}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv).DetectIntent(context.Background(), "hi", "+1 555-123-4567", "")
	require.NoError(t, err)

	assert.Equal(t, "Hello!\nHow can I help?", res.ResponseText)
	assert.Equal(t, "greeting", res.Intent)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
	assert.Equal(t, "INTENT", res.MatchType)
	assert.Equal(t, "Ana", res.Parameters["name"])
	assert.Equal(t, "meta-whatsapp-15551234567", res.SessionID)

	qi := got["queryInput"].(map[string]any)
	assert.Equal(t, "en", qi["languageCode"])
	assert.Equal(t, "hi", qi["text"].(map[string]any)["text"])
}

func TestDetectIntent_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"queryResult": {}}`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv).DetectIntent(context.Background(), "???", "1", "es")
	require.NoError(t, err)
	assert.Empty(t, res.ResponseText)
	assert.Empty(t, res.Intent)
	assert.Equal(t, "UNKNOWN", res.MatchType)
	assert.NotNil(t, res.Parameters)
}

func TestDetectIntent_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"permission denied"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).DetectIntent(context.Background(), "hi", "1", "en")
	require.Error(t, err)

	var ae *domain.AdapterError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "intent", ae.Service)
	assert.Equal(t, http.StatusForbidden, ae.StatusCode)
	assert.Contains(t, ae.Error(), "permission denied")
}

func TestReadCredentials(t *testing.T) {
	inline, err := ReadCredentials(`  {"type":"service_account"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"service_account"}`, string(inline))

	path := filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))
	fromFile, err := ReadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(fromFile))

	_, err = ReadCredentials("")
	assert.Error(t, err)
	_, err = ReadCredentials(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestParseCredentials_Rejects(t *testing.T) {
	_, err := ParseCredentials([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseCredentials([]byte(`{"type":"authorized_user","client_email":"a","private_key":"b"}`))
	assert.Error(t, err)
	_, err = ParseCredentials([]byte(`{"type":"service_account"}`))
	assert.Error(t, err)
}

func TestCredentials_TokenExchange(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	var grant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		grant = r.PostForm.Get("grant_type")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"ya29.test","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	raw, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "proj",
		"private_key_id": "kid",
		"private_key":    string(keyPEM),
		"client_email":   "bot@proj.iam.gserviceaccount.com",
		"token_uri":      srv.URL,
	})
	require.NoError(t, err)

	creds, err := ParseCredentials(raw)
	require.NoError(t, err)
	assert.Equal(t, "proj", creds.ProjectID)
	assert.Equal(t, "bot@proj.iam.gserviceaccount.com", creds.Email)

	tok, err := creds.TokenSource(context.Background(), srv.Client()).Token()
	require.NoError(t, err)
	assert.Equal(t, "ya29.test", tok.AccessToken)
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", grant)
}
